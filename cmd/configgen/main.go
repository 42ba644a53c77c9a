package main

import (
	"flag"
	"log"

	"github.com/danmuck/hostbridge/internal/config"
)

func main() {
	kind := flag.String("kind", "bridged", "config kind: bridged|bridgectl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing bridgectl profile")
	input := flag.String("input", "", "profile path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "bridgectl" {
			log.Fatalf("validate supports kind bridgectl only; check bridged configs with bridged -check")
		}
		path := *input
		if path == "" {
			path = "bridgectl.toml"
		}
		if _, err := config.LoadProfile(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s profile at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "bridged":
			target = "bridged.toml"
		case "bridgectl":
			target = "bridgectl.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
