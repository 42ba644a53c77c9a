package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bridged":
		return bridgedTemplate, nil
	case "bridgectl":
		return bridgectlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const bridgedTemplate = `socket_path = "/run/hostbridge/bridge.sock"
socket_mode = "0660"
max_payload = 1048576
max_inflight = 16
read_timeout = "0s"
write_timeout = "5s"
reap_interval = "30s"
admin_addr = "127.0.0.1:7090"
cors_origins = ["http://localhost:3000"]
`

const bridgectlTemplate = `socket_path = "/run/hostbridge/bridge.sock"
admin_url = "http://127.0.0.1:7090"
timeout = "5s"
`
