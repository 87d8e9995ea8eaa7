package config

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "sqlite://:memory:", c.URI)
	assert.Equal(t, "raw", c.KeyScheme)
	assert.True(t, c.CreateIfMissing)
	assert.Equal(t, 5*time.Second, c.LockTimeout)
	assert.Equal(t, "fail", c.RemoveMode)
	assert.Equal(t, ModeBasic, c.Mode)
	require.NoError(t, c.Validate())
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "sqlite://:memory:", cfg.URI)
	assert.Equal(t, 1000, cfg.Rows)
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := writeTempFile(t, "store.yaml", "uri: memory://\nrows: 50\nmode: perf\n")

	cfg, err := LoadConfig([]string{"-c", path, "-n", "7"})
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.URI)
	assert.Equal(t, ModePerf, cfg.Mode)
	assert.Equal(t, 7, cfg.Rows)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty uri", func(c *Config) { c.URI = "" }},
		{"bad remove mode", func(c *Config) { c.RemoveMode = "maybe" }},
		{"bad mode", func(c *Config) { c.Mode = "stress" }},
		{"zero rows", func(c *Config) { c.Rows = 0 }},
		{"negative page size", func(c *Config) { c.PageSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			c.LoadDefaults()
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestConfig_StoreOptions(t *testing.T) {
	var c Config
	c.LoadDefaults()
	c.RemoveMode = "idempotent"

	opts, err := c.StoreOptions(logging.NopLogger{})
	require.NoError(t, err)
	assert.Len(t, opts, 6)

	c.RemoveMode = "nope"
	_, err = c.StoreOptions(logging.NopLogger{})
	require.Error(t, err)
}
