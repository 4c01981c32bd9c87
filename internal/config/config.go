// Package config loads the layered tasksync configuration.
//
// Sources, later ones winning:
//  1. Built-in defaults
//  2. A YAML or TOML file: the --config path, or .tasksync/config.yaml
//     when present
//  3. Environment variables prefixed TASKSYNC_, with "." in keys replaced
//     by "_" (TASKSYNC_REMOTE_DSN sets remote.dsn)
//  4. Explicit overrides, typically from command-line flags
//
// A .env file is loaded into the environment first, without replacing
// variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/tasksync/internal/probe"
)

// Dir is the per-project state directory.
const Dir = ".tasksync"

// Config is the full tasksync configuration.
type Config struct {
	DBPath        string        `mapstructure:"db_path"`
	WorkTypesFile string        `mapstructure:"work_types_file"`
	Remote        RemoteConfig  `mapstructure:"remote"`
	Session       SessionConfig `mapstructure:"session"`
	Probe         ProbeConfig   `mapstructure:"probe"`
	Sync          SyncConfig    `mapstructure:"sync"`
	Server        ServerConfig  `mapstructure:"server"`
	Log           LogConfig     `mapstructure:"log"`
}

// RemoteConfig selects the remote store. An empty driver runs local-only
// and every mutation is queued.
type RemoteConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// SessionConfig tells where the attached user comes from. UserID and Token
// attach at startup; File is watched for changes.
type SessionConfig struct {
	File      string `mapstructure:"file"`
	UserID    string `mapstructure:"user_id"`
	Token     string `mapstructure:"token"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ProbeConfig struct {
	Mode string `mapstructure:"mode"`
}

type SyncConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig enables a rotating log file when File is set.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Drivers accepted for remote.driver.
const (
	DriverNone      = ""
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

var defaults = map[string]any{
	"db_path":                 filepath.Join(Dir, "cache.db"),
	"work_types_file":         "",
	"remote.driver":           DriverNone,
	"remote.dsn":              "",
	"remote.project_id":       "",
	"remote.credentials_file": "",
	"session.file":            filepath.Join(Dir, "session.json"),
	"session.user_id":         "",
	"session.token":           "",
	"session.jwt_secret":      "",
	"probe.mode":              probe.ModeInterfaces,
	"sync.refresh_interval":   "5m",
	"sync.probe_interval":     "2s",
	"server.port":             8080,
	"log.file":                "",
	"log.max_size_mb":         10,
	"log.max_backups":         3,
	"log.max_age_days":        28,
}

// Options control where Load looks.
type Options struct {
	// File is an explicit config file. It must exist.
	File string

	// EnvFile defaults to ".env"; a missing default file is ignored.
	EnvFile string

	// Overrides take precedence over every other source.
	Overrides map[string]any
}

// Load reads the configuration and validates it.
//
// Example:
//
//	cfg, err := config.Load(config.Options{File: cfgFile})
//	if err != nil {
//	    return err
//	}
//	db, err := cache.Open(cfg.DBPath)
func Load(opts Options) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("TASKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := opts.File
	if file == "" {
		if _, err := os.Stat(DefaultFile()); err == nil {
			file = DefaultFile()
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// DefaultFile is the project config file looked up when none is given.
func DefaultFile() string {
	return filepath.Join(Dir, "config.yaml")
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}

	switch c.Remote.Driver {
	case DriverNone:
	case DriverPostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for driver %s", c.Remote.Driver)
		}
	case DriverFirestore:
		if c.Remote.ProjectID == "" {
			return fmt.Errorf("remote.project_id is required for driver %s", c.Remote.Driver)
		}
	default:
		return fmt.Errorf("unknown remote.driver %q (want postgres or firestore)", c.Remote.Driver)
	}

	switch c.Probe.Mode {
	case probe.ModeInterfaces, probe.ModeOnline, probe.ModeOffline:
	default:
		return fmt.Errorf("unknown probe.mode %q", c.Probe.Mode)
	}

	if c.Sync.RefreshInterval < 0 {
		return fmt.Errorf("sync.refresh_interval must not be negative")
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
