// Package config provides Viper-based configuration loading for the presence
// server and the headless client.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener and presence settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// MaxUsers is the Connection Registry capacity.
	MaxUsers int `mapstructure:"max_users"`
	// ReadTimeout closes a socket that sends nothing, pongs included, for this long.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval must be shorter than ReadTimeout.
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	OutboxSize      int           `mapstructure:"outbox_size"`
	MaxChatLength   int           `mapstructure:"max_chat_length"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HealthConfig holds the gRPC health listener settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort 0 disables the health server.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Enabled reports whether the health server should run.
func (h HealthConfig) Enabled() bool {
	return h.GRPCPort != 0
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Canvas storage backends.
const (
	CanvasStorageMemory   = "memory"
	CanvasStoragePostgres = "postgres"
)

// CanvasConfig holds the drawing save/load endpoint settings.
type CanvasConfig struct {
	// Storage is "memory" or "postgres".
	Storage  string `mapstructure:"storage"`
	MaxBytes int64  `mapstructure:"max_bytes"`
	// SaveTokenHash is a bcrypt hash; empty leaves saving open.
	SaveTokenHash string `mapstructure:"save_token_hash"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, also writes JSON logs to a rotated file.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ClientConfig holds the headless client settings.
type ClientConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	FrameRate    int           `mapstructure:"frame_rate"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ContentPath  string        `mapstructure:"content_path"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Health   HealthConfig   `mapstructure:"health"`
	Canvas   CanvasConfig   `mapstructure:"canvas"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Client   ClientConfig   `mapstructure:"client"`
}

// Validate checks all configuration invariants. The database section is
// only checked when canvas storage is postgres.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	collect(validateServer(c.Server))
	collect(validateHealth(c.Health))
	collect(validateCanvas(c.Canvas))
	if c.Canvas.Storage == CanvasStoragePostgres {
		collect(validateDatabase(c.Database))
	}
	collect(validateLogging(c.Logging))
	collect(validateClient(c.Client))

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func validateServer(s ServerConfig) error {
	var errs []string
	if !validPort(s.Port) {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.MaxUsers < 1 {
		errs = append(errs, fmt.Sprintf("server.max_users must be >= 1, got %d", s.MaxUsers))
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, "server.read_timeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if s.PingInterval <= 0 || s.PingInterval >= s.ReadTimeout {
		errs = append(errs, fmt.Sprintf("server.ping_interval must be positive and below server.read_timeout, got %s", s.PingInterval))
	}
	if s.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("server.outbox_size must be >= 1, got %d", s.OutboxSize))
	}
	if s.MaxChatLength < 0 {
		errs = append(errs, fmt.Sprintf("server.max_chat_length must be >= 0, got %d", s.MaxChatLength))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	return joined(errs)
}

func validateHealth(h HealthConfig) error {
	if h.GRPCPort != 0 && !validPort(h.GRPCPort) {
		return fmt.Errorf("health.grpc_port must be 0 or 1-65535, got %d", h.GRPCPort)
	}
	return nil
}

func validateCanvas(c CanvasConfig) error {
	var errs []string
	if c.Storage != CanvasStorageMemory && c.Storage != CanvasStoragePostgres {
		errs = append(errs, fmt.Sprintf("canvas.storage must be one of [memory, postgres], got %q", c.Storage))
	}
	if c.MaxBytes < 1 {
		errs = append(errs, fmt.Sprintf("canvas.max_bytes must be >= 1, got %d", c.MaxBytes))
	}
	if c.SaveTokenHash != "" && !strings.HasPrefix(c.SaveTokenHash, "$2") {
		errs = append(errs, "canvas.save_token_hash must be a bcrypt hash")
	}
	return joined(errs)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if !validPort(d.Port) {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joined(errs)
}

func validateLogging(l LoggingConfig) error {
	var errs []string
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", l.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [json, console], got %q", l.Format))
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		errs = append(errs, fmt.Sprintf("logging.max_size_mb must be >= 1 when logging.file is set, got %d", l.MaxSizeMB))
	}
	if l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, "logging.max_backups and logging.max_age_days must not be negative")
	}
	return joined(errs)
}

func validateClient(c ClientConfig) error {
	var errs []string
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		errs = append(errs, fmt.Sprintf("client.server_url must use ws:// or wss://, got %q", c.ServerURL))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, "client.sync_interval must be positive")
	}
	if c.FrameRate < 1 || c.FrameRate > 240 {
		errs = append(errs, fmt.Sprintf("client.frame_rate must be 1-240, got %d", c.FrameRate))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, "client.dial_timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, "client.write_timeout must be positive")
	}
	if c.ContentPath == "" {
		errs = append(errs, "client.content_path must not be empty")
	}
	return joined(errs)
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with DIARY_ prefix
	v.SetEnvPrefix("DIARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.max_users", 4)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.ping_interval", "25s")
	v.SetDefault("server.outbox_size", 64)
	v.SetDefault("server.max_chat_length", 200)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("health.grpc_host", "0.0.0.0")
	v.SetDefault("health.grpc_port", 0)

	v.SetDefault("canvas.storage", CanvasStorageMemory)
	v.SetDefault("canvas.max_bytes", 50<<20)
	v.SetDefault("canvas.save_token_hash", "")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "diary3d")
	v.SetDefault("database.password", "diary3d")
	v.SetDefault("database.name", "diary3d")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("client.server_url", "ws://127.0.0.1:3000/ws")
	v.SetDefault("client.sync_interval", "1s")
	v.SetDefault("client.frame_rate", 60)
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("client.write_timeout", "5s")
	v.SetDefault("client.content_path", "content/avatars.yaml")
}
