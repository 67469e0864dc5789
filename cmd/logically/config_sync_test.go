package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/justadeni/logically/internal/config"
)

func TestWriteConfigFromEnvJSON(t *testing.T) {
	t.Setenv(envConfigYAMLB64, "")
	t.Setenv(envConfigJSON, `{"server": {"id": "json-config"}, "felling": {"maxActive": 3}}`)

	path := filepath.Join(t.TempDir(), "config.json")
	wrote, err := writeConfigFromEnv(path)
	if err != nil {
		t.Fatalf("writeConfigFromEnv: %v", err)
	}
	if !wrote {
		t.Fatalf("expected config to be written")
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Server.ID != "json-config" {
		t.Fatalf("unexpected server id: %q", cfg.Server.ID)
	}
	if cfg.Felling.MaxActive != 3 {
		t.Fatalf("unexpected max active: %d", cfg.Felling.MaxActive)
	}
	if cfg.Felling.MaxLogs != config.Default().Felling.MaxLogs {
		t.Fatalf("expected defaults to fill omitted fields, got maxLogs %d", cfg.Felling.MaxLogs)
	}
}

func TestWriteConfigFromEnvYAML(t *testing.T) {
	payload := "server:\n  id: yaml-config\nreplay:\n  placeLogs: true\n  itemLifetime: 90s\n"
	t.Setenv(envConfigJSON, "")
	t.Setenv(envConfigYAMLB64, base64.StdEncoding.EncodeToString([]byte(payload)))

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	wrote, err := writeConfigFromEnv(path)
	if err != nil {
		t.Fatalf("writeConfigFromEnv: %v", err)
	}
	if !wrote {
		t.Fatalf("expected config to be written")
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Server.ID != "yaml-config" || !cfg.Replay.PlaceLogs {
		t.Fatalf("unexpected config: id=%q placeLogs=%t", cfg.Server.ID, cfg.Replay.PlaceLogs)
	}
	if got := cfg.Replay.ItemLifetime.Duration().Seconds(); got != 90 {
		t.Fatalf("unexpected item lifetime: %v", got)
	}
}

func TestWriteConfigFromEnvRejectsInvalid(t *testing.T) {
	t.Setenv(envConfigYAMLB64, "")
	t.Setenv(envConfigJSON, `{"felling": {"maxLogs": 0}}`)

	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := writeConfigFromEnv(path); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file to be written, stat err=%v", err)
	}
}

func TestWriteConfigFromEnvRequiresPath(t *testing.T) {
	t.Setenv(envConfigYAMLB64, "")
	t.Setenv(envConfigJSON, `{}`)

	if _, err := writeConfigFromEnv(""); err == nil {
		t.Fatalf("expected error without a config path")
	}
}

func TestWriteConfigFromEnvNoPayload(t *testing.T) {
	t.Setenv(envConfigJSON, "")
	t.Setenv(envConfigYAMLB64, "")

	wrote, err := writeConfigFromEnv(filepath.Join(t.TempDir(), "unused.json"))
	if err != nil {
		t.Fatalf("writeConfigFromEnv: %v", err)
	}
	if wrote {
		t.Fatalf("expected no config to be written")
	}
}
