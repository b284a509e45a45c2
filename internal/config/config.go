// Package config loads and holds the process configuration.
//
// The configuration is constructed once at startup and passed by reference
// into every component that needs it. Nothing in this repository reads a
// process-wide singleton.
//
// Two sources are combined:
//   - application settings (endpoints, API key, database path, pool and
//     batch sizing) loaded with viper from a config file plus DBFSYNC_*
//     environment variables
//   - the table identity document (identity strategy, key fields, hash
//     fields per table, and the active sync generation) loaded from YAML
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default sizing, matching the original deployment.
const (
	DefaultPoolSize        = 5
	DefaultBatchSize       = 100
	DefaultLookupChunkSize = 500
	DefaultAcquireTimeout  = 30 * time.Second
)

// Config is the process configuration, assembled once at startup.
type Config struct {
	// Venue and Branch identify the client installation; together they
	// form the client id sent with every transfer.
	Venue  string `mapstructure:"venue"`
	Branch string `mapstructure:"branch"`

	// Remote API surface.
	APIBase    string `mapstructure:"api_base"`
	CreatePath string `mapstructure:"create_path"`
	UpdatePath string `mapstructure:"update_path"`
	DeletePath string `mapstructure:"delete_path"`
	APIKey     string `mapstructure:"api_key"`

	// Local durable store.
	DBPath         string        `mapstructure:"db_path"`
	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// Batch sizing.
	BatchSize       int `mapstructure:"batch_size"`
	LookupChunkSize int `mapstructure:"lookup_chunk_size"`

	// Tracking toggles whether successful transfers are recorded in the
	// local store. Simulate replaces the remote API with the response
	// simulator.
	Tracking bool `mapstructure:"tracking"`
	Simulate bool `mapstructure:"simulate"`

	// LogFile, when set, adds a rotating file sink next to the console.
	LogFile string `mapstructure:"log_file"`

	// Generation is the active sync generation, loaded from the table
	// identity document.
	Generation string

	// Tables holds the per-table identity configuration.
	Tables []TableConfig
}

// TableConfig describes how one synchronized table resolves identities.
type TableConfig struct {
	Name       string   `yaml:"name"`
	Schema     string   `yaml:"schema"`
	IDFields   []string `yaml:"id_fields"`
	HashFields []string `yaml:"hash_fields"`
}

// tableDocument is the on-disk shape of the table identity YAML file.
type tableDocument struct {
	Generation string        `yaml:"generation"`
	Tables     []TableConfig `yaml:"tables"`
}

// Error is a fatal configuration error. It aborts the run for the affected
// table and names the missing or invalid key.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

// ClientID returns the venue_branch client identifier sent with every
// transfer request.
func (c *Config) ClientID() string {
	return c.Venue + "_" + c.Branch
}

// Table returns the identity configuration for a table.
func (c *Config) Table(name string) (TableConfig, error) {
	for _, t := range c.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return TableConfig{}, &Error{Key: "tables." + name, Reason: "no identity configuration for table"}
}

// Load reads the application config file and the table identity document
// and returns the assembled Config.
//
// appPath may be empty, in which case settings come from defaults and
// DBFSYNC_* environment variables only.
func Load(appPath, tablesPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DBFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("pool_size", DefaultPoolSize)
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("lookup_chunk_size", DefaultLookupChunkSize)
	v.SetDefault("acquire_timeout", DefaultAcquireTimeout)
	v.SetDefault("tracking", true)
	v.SetDefault("db_path", "dbfsync.db")

	if appPath != "" {
		v.SetConfigFile(appPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", appPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.loadTables(tablesPath); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadTables reads the table identity YAML document into the config.
func (c *Config) loadTables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read table identity file %s: %w", path, err)
	}

	var doc tableDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid table identity file %s: %w", path, err)
	}

	c.Generation = doc.Generation
	c.Tables = doc.Tables
	return nil
}

func (c *Config) validate() error {
	if c.Generation == "" {
		return &Error{Key: "generation", Reason: "active sync generation is required"}
	}
	if len(c.Tables) == 0 {
		return &Error{Key: "tables", Reason: "at least one table must be configured"}
	}
	for _, t := range c.Tables {
		if t.Name == "" {
			return &Error{Key: "tables.name", Reason: "table name is required"}
		}
		if t.Schema == "" {
			return &Error{Key: "tables." + t.Name + ".schema", Reason: "identity schema is required"}
		}
	}
	if c.PoolSize <= 0 {
		return &Error{Key: "pool_size", Reason: "must be positive"}
	}
	if c.BatchSize <= 0 {
		return &Error{Key: "batch_size", Reason: "must be positive"}
	}
	if c.LookupChunkSize <= 0 {
		return &Error{Key: "lookup_chunk_size", Reason: "must be positive"}
	}
	return nil
}
