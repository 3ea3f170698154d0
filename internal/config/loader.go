package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults for a publisher process.
const (
	DefaultAddr            = ":8080"
	DefaultModel           = "model"
	DefaultLogLevel        = "info"
	DefaultMaxMessageBytes = 1 << 20
	DefaultShutdownSeconds = 5
)

// EnvPrefix prefixes every environment override, e.g. TFVIEW_ADDR.
const EnvPrefix = "TFVIEW_"

// Config holds runtime parameters for a publisher process.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr            string   `json:"addr" yaml:"addr" toml:"addr"`
	Publish         string   `json:"publish" yaml:"publish" toml:"publish"`
	Model           string   `json:"model" yaml:"model" toml:"model"`
	ModelDir        string   `json:"model_dir" yaml:"model_dir" toml:"model_dir"`
	ReplayLimit     int      `json:"replay_limit" yaml:"replay_limit" toml:"replay_limit"`
	MaxMessageBytes int64    `json:"max_message_bytes" yaml:"max_message_bytes" toml:"max_message_bytes"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	LogLevel        string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogPretty       bool     `json:"log_pretty" yaml:"log_pretty" toml:"log_pretty"`
	ShutdownSeconds int      `json:"shutdown_seconds" yaml:"shutdown_seconds" toml:"shutdown_seconds"`
}

// Defaults returns a Config with every default filled in.
func Defaults() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.ShutdownSeconds <= 0 {
		c.ShutdownSeconds = DefaultShutdownSeconds
	}
	if c.ReplayLimit < 0 {
		c.ReplayLimit = 0
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TFVIEW_* variables found by lookup.
// Pass os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("PUBLISH", &c.Publish)
	str("MODEL", &c.Model)
	str("MODEL_DIR", &c.ModelDir)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup(EnvPrefix + "REPLAY_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREPLAY_LIMIT: %w", EnvPrefix, err)
		}
		c.ReplayLimit = n
	}
	if v, ok := lookup(EnvPrefix + "MAX_MESSAGE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_MESSAGE_BYTES: %w", EnvPrefix, err)
		}
		c.MaxMessageBytes = n
	}
	if v, ok := lookup(EnvPrefix + "LOG_PRETTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_PRETTY: %w", EnvPrefix, err)
		}
		c.LogPretty = b
	}
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = SplitCSV(v)
	}
	return nil
}

// SplitCSV splits a comma-separated list, trimming blanks and dropping empty
// items.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
