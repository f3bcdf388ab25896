// Package config loads docmigrate settings from a YAML file, DOCMIGRATE_*
// environment variables and command line flags, in increasing order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dan-strohschein/docmigrate/updater"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DOCMIGRATE"

// DefaultFile is the configuration file looked up in the working
// directory when none is given.
const DefaultFile = "docmigrate.yaml"

// Config holds every setting of a docmigrate run.
type Config struct {
	URI           string  `mapstructure:"uri"`
	Database      string  `mapstructure:"database"`
	MigrationsDir string  `mapstructure:"migrations_dir"`
	Collection    string  `mapstructure:"collection"`
	SchemaFile    string  `mapstructure:"schema_file"`
	Policy        string  `mapstructure:"policy"`
	DryRun        bool    `mapstructure:"dry_run"`
	SchemaOnly    bool    `mapstructure:"schema_only"`
	MongoVersion  string  `mapstructure:"mongo_version"`
	BufferSize    int     `mapstructure:"buffer_size"`
	WriteRate     float64 `mapstructure:"write_rate"`

	Lock LockConfig `mapstructure:"lock"`
	Log  LogConfig  `mapstructure:"log"`
}

// LockConfig controls the migrations directory lock.
type LockConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Retries      int           `mapstructure:"retries"`
	Backoff      time.Duration `mapstructure:"backoff"`
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]interface{}{
	"uri":                "mongodb://localhost:27017",
	"database":           "",
	"migrations_dir":     "./migrations",
	"collection":         "docmigrate",
	"schema_file":        "./schema.json",
	"policy":             string(updater.PolicyStrict),
	"dry_run":            false,
	"schema_only":        false,
	"mongo_version":      "",
	"buffer_size":        updater.DefaultBufferSize,
	"write_rate":         0.0,
	"lock.enabled":       true,
	"lock.retries":       3,
	"lock.backoff":       100 * time.Millisecond,
	"lock.stale_timeout": 15 * time.Minute,
	"log.level":          "info",
	"log.format":         "console",
}

// Short environment names that do not follow the key naming.
var envAliases = map[string]string{
	"migrations_dir": EnvPrefix + "_DIR",
	"schema_file":    EnvPrefix + "_SCHEMA",
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"uri":         "uri",
	"database":    "database",
	"dir":         "migrations_dir",
	"collection":  "collection",
	"schema":      "schema_file",
	"policy":      "policy",
	"dry-run":     "dry_run",
	"schema-only": "schema_only",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := load(newViper(), "", nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. path names a YAML file; when empty,
// DefaultFile is used if it exists. flags may be nil; only flags the user
// changed override file and environment values.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	return load(newViper(), path, flags)
}

func load(v *viper.Viper, path string, flags *pflag.FlagSet) (*Config, error) {
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Database == "" {
		cfg.Database = DatabaseFromURI(cfg.URI)
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := updater.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.MigrationsDir == "" {
		return fmt.Errorf("migrations_dir is required")
	}
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.WriteRate < 0 {
		return fmt.Errorf("write_rate must not be negative")
	}
	if c.Lock.Retries < 0 {
		return fmt.Errorf("lock.retries must not be negative")
	}
	return nil
}

// ValidateConnection checks the settings needed to reach a database.
func (c *Config) ValidateConnection() error {
	if c.URI == "" {
		return fmt.Errorf("uri is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required (set it or include it in the uri)")
	}
	return nil
}

// DatabaseFromURI extracts the default database from a connection
// string such as "mongodb://host:27017/app?replicaSet=rs0".
func DatabaseFromURI(uri string) string {
	i := strings.Index(uri, "://")
	if i < 0 {
		return ""
	}
	rest := uri[i+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return ""
	}
	db := rest[slash+1:]
	if q := strings.IndexByte(db, '?'); q >= 0 {
		db = db[:q]
	}
	return db
}
