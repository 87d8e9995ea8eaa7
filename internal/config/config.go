package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/cryptox"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/store"
)

// Harness modes.
const (
	ModeBasic = "basic"
	ModePerf  = "perf"
)

// Config holds runtime settings for storectl.
type Config struct {
	URI             string
	KeyScheme       string
	Key             string
	CreateIfMissing bool
	LockTimeout     time.Duration
	PageSize        int
	RemoveMode      string
	MaxConnRetries  int
	LogLevel        string
	Mode            string
	Rows            int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.URI = "sqlite://:memory:"
	c.KeyScheme = cryptox.SchemeRaw
	c.Key = ""
	c.CreateIfMissing = true
	c.LockTimeout = backend.DefaultLockTimeout
	c.PageSize = backend.DefaultPageSize
	c.RemoveMode = "fail"
	c.MaxConnRetries = 3
	c.LogLevel = "info"
	c.Mode = ModeBasic
	c.Rows = 1000
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// a config file (if one is named with -c) and command-line flags. Later
// sources take precedence over earlier ones.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot be turned into store options.
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("store uri is required")
	}
	if _, err := models.ParseRemoveMode(c.RemoveMode); err != nil {
		return err
	}
	switch c.Mode {
	case ModeBasic, ModePerf:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Rows <= 0 {
		return fmt.Errorf("rows must be positive, got %d", c.Rows)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	return nil
}

// StoreOptions converts the config into options for store.Provision.
func (c *Config) StoreOptions(l logging.Logger) ([]store.Option, error) {
	mode, err := models.ParseRemoveMode(c.RemoveMode)
	if err != nil {
		return nil, err
	}
	return []store.Option{
		store.WithLogger(l),
		store.WithLockTimeout(c.LockTimeout),
		store.WithPageSize(c.PageSize),
		store.WithRemoveMode(mode),
		store.WithCreateIfMissing(c.CreateIfMissing),
		store.WithMaxConnRetries(c.MaxConnRetries),
	}, nil
}
