package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"jamsession/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.DefaultRole != "band_member" {
		t.Errorf("expected default role 'band_member', got %q", cfg.DefaultRole)
	}
	if cfg.ReconnectBaseS != 1 || cfg.ReconnectMaxS != 10 {
		t.Errorf("unexpected default backoff tuning: %+v", cfg)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		LastUsername:   "alice",
		DefaultRole:    "audience",
		ReconnectBaseS: 2,
		ReconnectMaxS:  20,
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.LastUsername != cfg.LastUsername {
		t.Errorf("lastUsername: want %q got %q", cfg.LastUsername, loaded.LastUsername)
	}
	if loaded.DefaultRole != cfg.DefaultRole {
		t.Errorf("defaultRole: want %q got %q", cfg.DefaultRole, loaded.DefaultRole)
	}
	if loaded.ReconnectBaseS != cfg.ReconnectBaseS || loaded.ReconnectMaxS != cfg.ReconnectMaxS {
		t.Errorf("reconnect tuning not round-tripped: %+v", loaded)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.DefaultRole != config.Default().DefaultRole {
		t.Error("expected defaults when no config file exists")
	}
}

func TestLoadCorruptFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "jamsession", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.DefaultRole != config.Default().DefaultRole {
		t.Errorf("expected default role on corrupt file, got %q", cfg.DefaultRole)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(dir, "jamsession", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
