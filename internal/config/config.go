package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Remote  Remote  `toml:"remote"`
	Paging  Paging  `toml:"paging"`
	Send    Send    `toml:"send"`
	Metrics Metrics `toml:"metrics"`
}

// Remote configures the conversation service client.
type Remote struct {
	BaseURL           string   `toml:"base_url"`
	Token             string   `toml:"token"`
	UserID            string   `toml:"user_id"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

type Paging struct {
	PageSize          int      `toml:"page_size"`
	CacheTimeout      Duration `toml:"cache_timeout"`
	EndOfPagination   string   `toml:"end_of_pagination"`
	InitialCursorHook string   `toml:"initial_cursor_hook"`
}

type Send struct {
	UploadConcurrency int `toml:"upload_concurrency"`

	// MaxAttachmentSize is a human size such as "50 MB". Empty means the
	// server limit alone applies.
	MaxAttachmentSize string `toml:"max_attachment_size"`
}

type Metrics struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen"`
}

// Duration is a time.Duration written as "30s" or "24h" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Remote: Remote{
			Timeout:           Duration{30 * time.Second},
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Paging: Paging{
			PageSize:          30,
			CacheTimeout:      Duration{24 * time.Hour},
			EndOfPagination:   "short_page",
			InitialCursorHook: "rewrite",
		},
		Send: Send{
			UploadConcurrency: 3,
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if c.Paging.PageSize <= 0 {
		return fmt.Errorf("paging.page_size must be positive, got %d", c.Paging.PageSize)
	}
	if c.Send.UploadConcurrency <= 0 {
		return fmt.Errorf("send.upload_concurrency must be positive, got %d", c.Send.UploadConcurrency)
	}
	switch c.Paging.EndOfPagination {
	case "", "short_page", "cursor_exhausted":
	default:
		return fmt.Errorf("unknown paging.end_of_pagination %q", c.Paging.EndOfPagination)
	}
	switch c.Paging.InitialCursorHook {
	case "", "rewrite", "noop":
	default:
		return fmt.Errorf("unknown paging.initial_cursor_hook %q", c.Paging.InitialCursorHook)
	}
	if _, err := c.Send.MaxAttachmentBytes(); err != nil {
		return err
	}
	return nil
}

// MaxAttachmentBytes parses MaxAttachmentSize. Zero means no local limit.
func (s Send) MaxAttachmentBytes() (int64, error) {
	if s.MaxAttachmentSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s.MaxAttachmentSize)
	if err != nil {
		return 0, fmt.Errorf("send.max_attachment_size: %w", err)
	}
	return int64(n), nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
