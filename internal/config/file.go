package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/gophstore/internal/flagx"
	"github.com/dmitrijs2005/gophstore/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is a DTO used for unmarshalling config files. Pointer fields
// distinguish "absent" from zero values, so a file only overrides the keys
// it names.
type FileConfig struct {
	URI             *string         `json:"uri" yaml:"uri"`
	KeyScheme       *string         `json:"key_scheme" yaml:"key_scheme"`
	Key             *string         `json:"key" yaml:"key"`
	CreateIfMissing *bool           `json:"create_if_missing" yaml:"create_if_missing"`
	LockTimeout     *timex.Duration `json:"lock_timeout" yaml:"lock_timeout"`
	PageSize        *int            `json:"page_size" yaml:"page_size"`
	RemoveMode      *string         `json:"remove_mode" yaml:"remove_mode"`
	MaxConnRetries  *int            `json:"max_conn_retries" yaml:"max_conn_retries"`
	LogLevel        *string         `json:"log_level" yaml:"log_level"`
	Mode            *string         `json:"mode" yaml:"mode"`
	Rows            *int            `json:"rows" yaml:"rows"`
}

// parseFile overlays cfg with values from the file named by -c or -config.
// The format follows the extension: .yaml and .yml are YAML, anything else
// is JSON.
func parseFile(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	fc.apply(cfg)
	return nil
}

func (fc *FileConfig) apply(cfg *Config) {
	set(&cfg.URI, fc.URI)
	set(&cfg.KeyScheme, fc.KeyScheme)
	set(&cfg.Key, fc.Key)
	set(&cfg.CreateIfMissing, fc.CreateIfMissing)
	if fc.LockTimeout != nil {
		cfg.LockTimeout = fc.LockTimeout.Duration
	}
	set(&cfg.PageSize, fc.PageSize)
	set(&cfg.RemoveMode, fc.RemoveMode)
	set(&cfg.MaxConnRetries, fc.MaxConnRetries)
	set(&cfg.LogLevel, fc.LogLevel)
	set(&cfg.Mode, fc.Mode)
	set(&cfg.Rows, fc.Rows)
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
