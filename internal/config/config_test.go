package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Remote.BaseURL = "https://chat.example.org"
	cfg.Paging.CacheTimeout = Duration{10 * time.Hour}
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
	if loaded.Remote.BaseURL != "https://chat.example.org" {
		t.Errorf("Remote.BaseURL = %q", loaded.Remote.BaseURL)
	}
	if loaded.Paging.CacheTimeout.Duration != 10*time.Hour {
		t.Errorf("CacheTimeout = %v, want 10h", loaded.Paging.CacheTimeout)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
default_session = "alt"

[paging]
page_size = 50

[send]
max_attachment_size = "2 MB"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paging.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", cfg.Paging.PageSize)
	}
	if cfg.Paging.CacheTimeout.Duration != 24*time.Hour {
		t.Errorf("CacheTimeout = %v, want default 24h", cfg.Paging.CacheTimeout)
	}
	if cfg.Send.UploadConcurrency != 3 {
		t.Errorf("UploadConcurrency = %d, want default 3", cfg.Send.UploadConcurrency)
	}
	n, err := cfg.Send.MaxAttachmentBytes()
	if err != nil || n != 2_000_000 {
		t.Errorf("MaxAttachmentBytes() = %d, %v; want 2000000", n, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zero page size", "[paging]\npage_size = 0\n"},
		{"unknown policy", "[paging]\nend_of_pagination = \"never\"\n"},
		{"unknown cursor hook", "[paging]\ninitial_cursor_hook = \"shuffle\"\n"},
		{"bad size", "[send]\nmax_attachment_size = \"lots\"\n"},
		{"bad duration", "[paging]\ncache_timeout = \"soon\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil || cfg.DefaultSession != "main" {
		t.Errorf("LoadOrDefault() = %+v, %v", cfg, err)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
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
