package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hostbridge/internal/server"
)

type fileConfig struct {
	SocketPath   string   `toml:"socket_path"`
	SocketMode   string   `toml:"socket_mode"`
	MaxPayload   uint32   `toml:"max_payload"`
	MaxInflight  int      `toml:"max_inflight"`
	ReadTimeout  string   `toml:"read_timeout"`
	WriteTimeout string   `toml:"write_timeout"`
	ReapInterval string   `toml:"reap_interval"`
	AdminAddr    string   `toml:"admin_addr"`
	CORSOrigins  []string `toml:"cors_origins"`
}

// loadServerConfig overlays the keys present in path onto the defaults. An
// empty path returns the defaults.
func loadServerConfig(path string) (server.Config, error) {
	cfg := server.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.Config{}, fmt.Errorf("load bridged config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return server.Config{}, fmt.Errorf("load bridged config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("socket_path") {
		cfg.SocketPath = strings.TrimSpace(raw.SocketPath)
	}

	if meta.IsDefined("socket_mode") {
		mode, err := strconv.ParseUint(strings.TrimSpace(raw.SocketMode), 8, 32)
		if err != nil {
			return server.Config{}, fmt.Errorf("parse socket_mode: %w", err)
		}
		cfg.SocketMode = os.FileMode(mode)
	}

	if meta.IsDefined("max_payload") {
		cfg.MaxPayload = raw.MaxPayload
	}

	if meta.IsDefined("max_inflight") {
		cfg.MaxInflight = raw.MaxInflight
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"reap_interval", raw.ReapInterval, &cfg.ReapInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return server.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, origin := range in {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	return out
}
