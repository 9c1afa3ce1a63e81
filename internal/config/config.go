// Package config loads spacesync configuration from an optional YAML file and
// SPACESYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"spacesync/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SPACESYNC_"

const maxConfigFileSize = 1024 * 1024

// Layer types understood by the layer factory.
const (
	LayerMemory   = "memory"
	LayerSQLite   = "sqlite"
	LayerPostgres = "postgres"
	LayerFS       = "fs"
	LayerNATS     = "nats"
)

// Config is the root configuration.
type Config struct {
	Log    logging.Config `koanf:"log"`
	Space  SpaceConfig    `koanf:"space"`
	Files  FilesConfig    `koanf:"files"`
	Layers []LayerConfig  `koanf:"layers"`
}

// SpaceConfig tunes space loading.
type SpaceConfig struct {
	LoadTimeout Duration `koanf:"load_timeout"`
}

// FilesConfig selects the blob driver behind the file store.
type FilesConfig struct {
	Driver    string   `koanf:"driver"`
	Root      string   `koanf:"root"`
	SpaceRoot string   `koanf:"space_root"`
	S3        S3Config `koanf:"s3"`
}

// S3Config configures the s3 blob driver.
type S3Config struct {
	Bucket          string `koanf:"bucket"`
	Region          string `koanf:"region"`
	Prefix          string `koanf:"prefix"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	PathStyle       bool   `koanf:"path_style"`
}

// LayerConfig describes one persistence layer.
type LayerConfig struct {
	ID        string `koanf:"id"`
	Type      string `koanf:"type"`
	Path      string `koanf:"path"`
	DSN       string `koanf:"dsn"`
	URL       string `koanf:"url"`
	Bucket    string `koanf:"bucket"`
	Scope     string `koanf:"scope"`
	Compacted bool   `koanf:"compacted"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log: logging.NewDefaultConfig(),
		Space: SpaceConfig{
			LoadTimeout: Duration(30 * time.Second),
		},
		Files: FilesConfig{Driver: "fs", Root: "./spacedata"},
	}
}

// Load reads path (skipped when empty) and then environment overrides.
//
// Precedence (highest first): SPACESYNC_* variables, the YAML file, defaults.
// Variables map onto keys by section: SPACESYNC_SPACE_LOAD_TIMEOUT sets
// space.load_timeout and SPACESYNC_FILES_S3_BUCKET sets files.s3.bucket.
// Layers can only be configured in the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps SPACESYNC_SECTION_FIELD_NAME to section.field_name. The s3
// block of files is the only nested section.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	if section == "files" {
		if rest, ok := strings.CutPrefix(field, "s3_"); ok {
			return "files.s3." + rest
		}
	}
	return section + "." + field
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Space.LoadTimeout == 0 {
		cfg.Space.LoadTimeout = def.Space.LoadTimeout
	}
	if cfg.Files.Driver == "" {
		cfg.Files.Driver = def.Files.Driver
	}
	for i := range cfg.Layers {
		if cfg.Layers[i].ID == "" {
			cfg.Layers[i].ID = fmt.Sprintf("%s-%d", cfg.Layers[i].Type, i)
		}
	}
}

// Validate checks drivers and layer definitions.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	switch c.Files.Driver {
	case "fs", "memory":
	case "s3":
		if c.Files.S3.Bucket == "" {
			errs = append(errs, errors.New("files: s3 driver requires s3.bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("files: unknown driver %q", c.Files.Driver))
	}
	seen := make(map[string]bool, len(c.Layers))
	for _, l := range c.Layers {
		if seen[l.ID] {
			errs = append(errs, fmt.Errorf("layers: duplicate id %q", l.ID))
		}
		seen[l.ID] = true
		switch l.Type {
		case LayerMemory, LayerSQLite, LayerPostgres:
		case LayerFS:
			if l.Path == "" {
				errs = append(errs, fmt.Errorf("layers: %s requires path", l.ID))
			}
		case LayerNATS:
			if l.Bucket == "" {
				errs = append(errs, fmt.Errorf("layers: %s requires bucket", l.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("layers: %s has unknown type %q", l.ID, l.Type))
		}
	}
	return errors.Join(errs...)
}
