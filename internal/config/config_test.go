package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		APIBaseURL:     "https://api.example.com",
		StreamURL:      "wss://stream.example.com",
		PageSize:       25,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.APIBaseURL != "https://api.example.com" {
		t.Errorf("APIBaseURL = %q, want api.example.com", loaded.APIBaseURL)
	}
	if loaded.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", loaded.PageSize)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadDefaultsPageSize(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PageSize != DefaultPageSize {
		t.Errorf("PageSize = %d, want default %d", loaded.PageSize, DefaultPageSize)
	}
	if loaded.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", loaded.ListenAddr, DefaultListenAddr)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.APIBaseURL == "" || cfg.StreamURL == "" {
		t.Errorf("default config missing endpoints: %+v", cfg)
	}
	if cfg.PageSize != DefaultPageSize || cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("default config missing defaults: %+v", cfg)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
