package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridgectl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadProfileFillsDefaults(t *testing.T) {
	path := writeProfile(t, "socket_path = \"/tmp/hb.sock\"\nadmin_url = \"http://127.0.0.1:7091/\"\n")
	cfg, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if cfg.SocketPath != "/tmp/hb.sock" {
		t.Fatalf("unexpected socket path: %q", cfg.SocketPath)
	}
	if cfg.AdminURL != "http://127.0.0.1:7091" {
		t.Fatalf("unexpected admin url: %q", cfg.AdminURL)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout)
	}
}

func TestLoadProfileRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "socket = \"/tmp/x\"\n",
		"bad timeout":  "timeout = \"later\"\n",
		"zero timeout": "timeout = \"0s\"\n",
		"bad scheme":   "admin_url = \"ftp://host\"\n",
		"bad toml":     "socket_path = \n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadProfile(writeProfile(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBridgectlTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridgectl.toml")
	if err := WriteTemplate(path, "bridgectl", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg != DefaultProfile() {
		t.Fatalf("template should match defaults: %+v", cfg)
	}
	if err := WriteTemplate(path, "bridgectl", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "bridgectl", true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}
}

func TestTemplateUnknownKind(t *testing.T) {
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := Template(" Bridged "); err != nil {
		t.Fatalf("bridged template: %v", err)
	}
}
