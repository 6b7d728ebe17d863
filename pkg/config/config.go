// Package config loads the service configuration from file, environment,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the static service configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FOGSYNC_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen" validate:"required" yaml:"listen"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Database configures the backing database (SQLite or PostgreSQL).
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Data configures the on-disk sync file store.
	Data DataConfig `mapstructure:"data" yaml:"data"`

	// Auth configures token auth and the single-user escape hatch.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Github holds the OAuth app credentials for SSO.
	Github GithubConfig `mapstructure:"github" yaml:"github"`

	// CORS lists the browser origins allowed to call the API.
	CORS CORSConfig `mapstructure:"cors" yaml:"cors"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, or error.
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error" yaml:"level"`
}

// DatabaseConfig configures the backing database.
type DatabaseConfig struct {
	// URL is a sqlite:// or postgres:// connection string.
	URL string `mapstructure:"url" validate:"required" yaml:"url"`
}

// DataConfig configures the on-disk sync file store.
type DataConfig struct {
	// BaseDir is the root of the per-user file store.
	BaseDir string `mapstructure:"base_dir" validate:"required" yaml:"base_dir"`
}

// AuthConfig configures token auth.
type AuthConfig struct {
	// JWTSecret signs login tokens. Must be at least 32 characters unless
	// single-user mode is on.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`

	// SingleUserMode disables auth entirely and maps every request to one
	// fixed local user. For personal deployments only.
	SingleUserMode bool `mapstructure:"single_user_mode" yaml:"single_user_mode"`
}

// GithubConfig holds the OAuth app credentials for SSO.
type GithubConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{URL: "sqlite://fogsync.db"},
		Data:     DataConfig{BaseDir: "./data"},
	}
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath skips the file and relies on env and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("FOGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := GetDefaultConfig()
	v.SetDefault("listen", defaults.Listen)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("database.url", defaults.Database.URL)
	v.SetDefault("data.base_dir", defaults.Data.BaseDir)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.single_user_mode", false)
	v.SetDefault("github.client_id", "")
	v.SetDefault("github.client_secret", "")
	v.SetDefault("cors.allowed_origins", []string{})

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if !cfg.Auth.SingleUserMode {
		if len(cfg.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if cfg.Github.ClientID == "" || cfg.Github.ClientSecret == "" {
			return fmt.Errorf("github.client_id and github.client_secret are required unless single-user mode is on")
		}
	}
	return nil
}
