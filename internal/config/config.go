// ABOUTME: Process configuration for the mongoro command
// ABOUTME: Flags, MONGORO_* environment variables and mongoro.yaml merged by viper

// Package config loads mongoro's configuration.
//
// Precedence, highest first: command line flags, MONGORO_* environment
// variables, the config file, defaults. The config file is MONGORO_CONFIG
// when set, otherwise mongoro.yaml in the working directory,
// $HOME/.mongoro or /etc/mongoro.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kak-smko/mongodb-ro/internal/logger"
)

// EnvPrefix prefixes every environment variable, e.g. MONGORO_URI
const EnvPrefix = "MONGORO"

// Log is the logging section
type Log struct {
	Level    string          `mapstructure:"level"`
	Pretty   bool            `mapstructure:"pretty"`
	File     string          `mapstructure:"file"`
	Rotation logger.Rotation `mapstructure:"rotation"`
}

// Config is the full process configuration
type Config struct {
	URI         string        `mapstructure:"uri"`
	Database    string        `mapstructure:"database"`
	Models      string        `mapstructure:"models"` // YAML model declarations
	Memory      bool          `mapstructure:"memory"` // in-memory driver instead of MongoDB
	GRPCPort    int           `mapstructure:"grpc_port"`
	MetricsPort int           `mapstructure:"metrics_port"`
	SyncRetry   time.Duration `mapstructure:"sync_retry"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Log         Log           `mapstructure:"log"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("uri", "mongodb://localhost:27017")
	v.SetDefault("database", "")
	v.SetDefault("models", "models.yaml")
	v.SetDefault("memory", false)
	v.SetDefault("grpc_port", 50051)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("sync_retry", 5*time.Second)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.rotation.max_size", 100)
	v.SetDefault("log.rotation.max_backups", 3)
	v.SetDefault("log.rotation.max_age", 28)
	v.SetDefault("log.rotation.compress", false)
}

// Setup points v at the config file and the environment
func Setup(v *viper.Viper) {
	SetDefaults(v)

	if file := os.Getenv(EnvPrefix + "_CONFIG"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("mongoro")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mongoro")
		v.AddConfigPath("/etc/mongoro")
	}

	v.SetEnvPrefix(EnvPrefix)
	// log.level -> MONGORO_LOG_LEVEL, grpc-port -> MONGORO_GRPC_PORT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads the config file, if one is found, and decodes v into a Config
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database) == "" {
		return errors.New("database is required (--database or MONGORO_DATABASE)")
	}
	if !c.Memory && strings.TrimSpace(c.URI) == "" {
		return errors.New("uri is required unless --memory is set")
	}
	if c.SyncRetry <= 0 {
		return fmt.Errorf("sync_retry must be positive, got %s", c.SyncRetry)
	}
	return nil
}

// Logger converts the logging section for logger.NewLogger
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:    c.Log.Level,
		Pretty:   c.Log.Pretty,
		File:     c.Log.File,
		Rotation: c.Log.Rotation,
	}
}
