// Package config loads the bridgectl client profile and renders config
// templates for bridged and bridgectl.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultSocketPath = "/run/hostbridge/bridge.sock"
	DefaultAdminURL   = "http://127.0.0.1:7090"
	DefaultTimeout    = 5 * time.Second
)

// Profile is where bridgectl finds the bridge and how long it waits.
type Profile struct {
	SocketPath string
	AdminURL   string
	Timeout    time.Duration
}

type profileFile struct {
	SocketPath string `toml:"socket_path"`
	AdminURL   string `toml:"admin_url"`
	Timeout    string `toml:"timeout"`
}

func DefaultProfile() Profile {
	return Profile{
		SocketPath: DefaultSocketPath,
		AdminURL:   DefaultAdminURL,
		Timeout:    DefaultTimeout,
	}
}

// LoadProfile reads path and fills unset keys from DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	var raw profileFile
	if err := loadToml(path, &raw); err != nil {
		return Profile{}, err
	}
	cfg := DefaultProfile()
	if s := strings.TrimSpace(raw.SocketPath); s != "" {
		cfg.SocketPath = s
	}
	if s := strings.TrimSpace(raw.AdminURL); s != "" {
		cfg.AdminURL = strings.TrimRight(s, "/")
	}
	if s := strings.TrimSpace(raw.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Profile{}, fmt.Errorf("config parse failed (%s): timeout: %w", path, err)
		}
		cfg.Timeout = d
	}
	if err := ValidateProfile(cfg); err != nil {
		return Profile{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateProfile(cfg Profile) error {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return fmt.Errorf("profile missing socket_path")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("profile timeout must be positive")
	}
	if cfg.AdminURL != "" {
		u, err := url.Parse(cfg.AdminURL)
		if err != nil {
			return fmt.Errorf("profile admin_url invalid: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("profile admin_url must be http or https")
		}
	}
	return nil
}
