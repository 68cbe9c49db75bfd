// Package config holds the settings shared by the connection manager, the
// memory bank and the migration runner. Settings come from an optional YAML or
// JSON file and are then overridden by environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the versioned SQL server connection.
const (
	DefaultHost            = "localhost"
	DefaultPort            = 3306
	DefaultUser            = "root"
	DefaultDatabase        = "memory_dolt"
	DefaultBranch          = "main"
	DefaultMigrationPrefix = "migrations"
)

// Config is the root configuration object. It is passed explicitly into every
// constructor; nothing in this module reads process-wide mutable state.
type Config struct {
	Database Database `json:"database" yaml:"database"`
	Branches Branches `json:"branches" yaml:"branches"`
	Bank     Bank     `json:"bank" yaml:"bank"`
	Index    Index    `json:"index" yaml:"index"`
	Log      Log      `json:"log" yaml:"log"`
}

// Database describes how to reach the versioned SQL server.
type Database struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name"`
	TLS      bool   `json:"tls" yaml:"tls"`

	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout"`

	// ConnectRetryWindow bounds how long a failing initial dial is retried.
	// Zero means a single attempt.
	ConnectRetryWindow Duration `json:"connect_retry_window" yaml:"connect_retry_window"`

	// PoolSize switches the connection manager to pooled mode when > 0.
	PoolSize int `json:"pool_size" yaml:"pool_size"`
}

// Branches holds branch policy settings.
type Branches struct {
	// Protected lists branch names or doublestar patterns that refuse writes.
	Protected       []string `json:"protected" yaml:"protected"`
	Default         string   `json:"default" yaml:"default"`
	MigrationPrefix string   `json:"migration_prefix" yaml:"migration_prefix"`
}

// Bank configures the memory bank orchestrator.
type Bank struct {
	AutoCommit   *bool  `json:"auto_commit" yaml:"auto_commit"`
	EmbeddingDim int    `json:"embedding_dim" yaml:"embedding_dim"`
	Author       string `json:"author" yaml:"author"`
}

// AutoCommitEnabled reports the effective auto-commit setting (default true).
func (b Bank) AutoCommitEnabled() bool {
	return b.AutoCommit == nil || *b.AutoCommit
}

// Index configures the semantic index and its embedder.
type Index struct {
	Provider   string `json:"provider" yaml:"provider"` // mock (hash), ollama, openai, gemini
	Model      string `json:"model" yaml:"model"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Collection string `json:"collection" yaml:"collection"`
}

// Log configures the observer.
type Log struct {
	Format  string `json:"format" yaml:"format"` // console or json
	Verbose bool   `json:"verbose" yaml:"verbose"`
}

// Duration is a time.Duration that decodes from "5s"-style strings in both
// YAML and JSON.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return fmt.Errorf("invalid duration %s", string(data))
		}
		d.Duration = time.Duration(n)
		return nil
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// Default returns a configuration populated with the documented defaults.
func Default() Config {
	autoCommit := true
	return Config{
		Database: Database{
			Host:           DefaultHost,
			Port:           DefaultPort,
			User:           DefaultUser,
			Name:           DefaultDatabase,
			ConnectTimeout: Duration{5 * time.Second},
			ReadTimeout:    Duration{30 * time.Second},
			WriteTimeout:   Duration{30 * time.Second},
		},
		Branches: Branches{
			Protected:       []string{DefaultBranch},
			Default:         DefaultBranch,
			MigrationPrefix: DefaultMigrationPrefix,
		},
		Bank: Bank{
			AutoCommit: &autoCommit,
			Author:     "memoria <memoria@local>",
		},
		Index: Index{
			Provider:   "mock",
			Collection: "memory_blocks",
		},
		Log: Log{Format: "console"},
	}
}

// Load reads a configuration file (JSON or YAML) on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}

	if IsSealed(cfg.Database.Password) {
		box, err := NewSecretBox()
		if err != nil {
			return cfg, err
		}
		plain, err := box.Open(cfg.Database.Password)
		if err != nil {
			return cfg, fmt.Errorf("failed to decrypt database password: %w", err)
		}
		cfg.Database.Password = plain
	}

	return cfg, nil
}

// Environment variable aliases. For each setting the first non-empty
// variable wins.
var (
	EnvHost      = []string{"DOLT_HOST", "MEMORIA_DB_HOST"}
	EnvPort      = []string{"DOLT_PORT", "MEMORIA_DB_PORT"}
	EnvUser      = []string{"DOLT_USER", "MEMORIA_DB_USER"}
	EnvPassword  = []string{"DOLT_PASSWORD", "MEMORIA_DB_PASSWORD"}
	EnvDatabase  = []string{"DOLT_DATABASE", "MEMORIA_DB_NAME"}
	EnvProtected = []string{"MEMORIA_PROTECTED_BRANCHES"}
)

// ApplyEnv overrides settings from the environment. getenv is usually
// os.Getenv; tests pass a map lookup instead.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := firstNonEmpty(getenv, EnvHost); v != "" {
		c.Database.Host = v
	}
	if v := firstNonEmpty(getenv, EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			return fmt.Errorf("invalid port %q", v)
		}
		c.Database.Port = p
	}
	if v := firstNonEmpty(getenv, EnvUser); v != "" {
		c.Database.User = v
	}
	if v := firstNonEmpty(getenv, EnvPassword); v != "" {
		c.Database.Password = v
	}
	if v := firstNonEmpty(getenv, EnvDatabase); v != "" {
		c.Database.Name = v
	}
	if v := firstNonEmpty(getenv, EnvProtected); v != "" {
		var names []string
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		c.Branches.Protected = names
	}
	return nil
}

func firstNonEmpty(getenv func(string) string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// Address returns host:port.
func (d Database) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Validate checks the configuration for missing or contradictory settings.
func (c Config) Validate() ValidationResult {
	res := ValidationResult{Valid: true, Warnings: []string{}, Errors: []string{}}

	if c.Database.Host == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		res.Valid = false
		res.Errors = append(res.Errors, "database.port must be between 1 and 65535")
	}
	if c.Database.Name == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "database.name is required")
	}
	if c.Database.PoolSize < 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "database.pool_size cannot be negative")
	}
	if c.Branches.MigrationPrefix == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "branches.migration_prefix is required")
	}
	if len(c.Branches.Protected) == 0 {
		res.Warnings = append(res.Warnings, "no protected branches configured; writes are allowed everywhere")
	}
	if c.Bank.EmbeddingDim < 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "bank.embedding_dim cannot be negative")
	}
	switch c.Index.Provider {
	case "", "mock", "hash", "ollama":
	case "openai", "gemini":
		if c.Index.APIKey == "" {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("index.api_key is required for provider %q", c.Index.Provider))
		}
	default:
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("unknown index.provider %q", c.Index.Provider))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown log.format %q, using console", c.Log.Format))
	}
	return res
}
