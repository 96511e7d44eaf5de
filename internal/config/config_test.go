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
		ServiceURL:     "https://chat.example.com",
		RealtimeURL:    "wss://chat.example.com/realtime",
		APIKey:         "anon-key",
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
	if loaded.ServiceURL != "https://chat.example.com" {
		t.Errorf("ServiceURL = %q", loaded.ServiceURL)
	}
	if loaded.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", loaded.ListenAddr, DefaultListenAddr)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("WCH_SERVICE_URL", "https://env.example.com")
	t.Setenv("WCH_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("WCH_API_KEY", "")

	cfg := &Config{
		ServiceURL: "https://file.example.com",
		APIKey:     "file-key",
		ListenAddr: DefaultListenAddr,
	}
	cfg.ApplyEnv()

	if cfg.ServiceURL != "https://env.example.com" {
		t.Errorf("ServiceURL = %q, want env override", cfg.ServiceURL)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("ListenAddr = %q, want env override", cfg.ListenAddr)
	}
	if cfg.APIKey != "file-key" {
		t.Errorf("APIKey = %q, empty env var must not clear it", cfg.APIKey)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
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
