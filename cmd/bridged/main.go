package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/proc"
	"github.com/danmuck/hostbridge/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to bridged TOML config (defaults apply when empty)")
	socketPath := flag.String("socket", "", "override socket_path from config")
	check := flag.Bool("check", false, "validate the config and exit")
	flag.Parse()

	observability.InitLogger("bridged")

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *check {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("bridged: config ok (socket %s)\n", cfg.SocketPath)
		return
	}

	srv, err := server.New(cfg, proc.Default(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("socket", cfg.SocketPath).Str("admin", cfg.AdminAddr).Dur("reap_interval", cfg.ReapInterval).Msg("bridged starting")
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("bridged stopped")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("bridged stopped")
}
