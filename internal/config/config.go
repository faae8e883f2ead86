// Package config loads and validates the TOML configuration for the relay server.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "relay"
	DefaultPGSSLMode       = "disable"
	DefaultQdrantHost      = "127.0.0.1"
	DefaultQdrantPort      = 6334
	DefaultQdrantColl      = "document_chunks"
	DefaultJWTExpiresIn    = "24h"
	DefaultLockTTLSeconds  = 30
	DefaultQueueWorkers    = 4
	DefaultVisibilitySecs  = 300
	DefaultMemoryWindow    = 10
	DefaultTopK            = 5
	DefaultMinSimilarity   = 0.7
	DefaultBotTemperature  = 0.7
	DefaultChatBaseURL     = "https://api.openai.com/v1"
	DefaultChatModel       = "gpt-4o-mini"
	DefaultEmbeddingModel  = "text-embedding-3-small"
	DefaultDeliveryRetries = 4
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Qdrant   QdrantConfig   `toml:"qdrant"`
	Queue    QueueConfig    `toml:"queue"`
	Reply    ReplyConfig    `toml:"reply"`
	Secrets  SecretsConfig  `toml:"secrets"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" validate:"required"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port" validate:"gte=0,lte=65535"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type QdrantConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	APIKey     string `toml:"api_key"`
	Collection string `toml:"collection"`
	Enabled    bool   `toml:"enabled"`
}

type QueueConfig struct {
	Workers           int `toml:"workers" validate:"gte=0"`
	VisibilitySeconds int `toml:"visibility_seconds" validate:"gte=0"`
	MaxAttempts       int `toml:"max_attempts" validate:"gte=0"`
}

type ReplyConfig struct {
	MemoryWindow   int     `toml:"memory_window"`
	TopK           int     `toml:"top_k"`
	MinSimilarity  float64 `toml:"min_similarity"`
	MaxTemperature float64 `toml:"max_temperature"`
	FallbackAPIKey string  `toml:"fallback_api_key"`
	FallbackModel  string  `toml:"fallback_model"`
}

// SecretsConfig holds the key material used to seal channel credentials at rest.
type SecretsConfig struct {
	SealKey string `toml:"seal_key" validate:"required"`
}

// Load reads the config file, applies environment overrides and defaults,
// then validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_PG_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("RELAY_SEAL_KEY"); v != "" {
		cfg.Secrets.SealKey = v
	}
	if v := os.Getenv("RELAY_QDRANT_API_KEY"); v != "" {
		cfg.Qdrant.APIKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Auth.JWTExpiresIn == "" {
		cfg.Auth.JWTExpiresIn = DefaultJWTExpiresIn
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = DefaultPGHost
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = DefaultPGPort
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = DefaultPGUser
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = DefaultPGDatabase
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = DefaultPGSSLMode
	}
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = DefaultQdrantHost
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = DefaultQdrantPort
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = DefaultQdrantColl
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = DefaultQueueWorkers
	}
	if cfg.Queue.VisibilitySeconds == 0 {
		cfg.Queue.VisibilitySeconds = DefaultVisibilitySecs
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Reply.MemoryWindow == 0 {
		cfg.Reply.MemoryWindow = DefaultMemoryWindow
	}
	if cfg.Reply.TopK == 0 {
		cfg.Reply.TopK = DefaultTopK
	}
	if cfg.Reply.MinSimilarity == 0 {
		cfg.Reply.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Reply.MaxTemperature == 0 {
		cfg.Reply.MaxTemperature = DefaultBotTemperature
	}
	if cfg.Reply.FallbackModel == "" {
		cfg.Reply.FallbackModel = DefaultChatModel
	}
}

// DSN renders the Postgres connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
