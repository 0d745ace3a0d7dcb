package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port     string `env:"PORT,      default=8080"`
	Env      string `env:"ENV,       default=development"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	JWTSecret     string        `env:"JWT_SECRET"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`
	APIKeys       []string      `env:"API_KEYS"`
	TokenTTL      time.Duration `env:"TOKEN_TTL, default=12h"`

	Store    StoreConfig
	Mongo    MongoConfig
	Sqlite   SqliteConfig
	Redis    RedisConfig
	Upstream UpstreamConfig
}

type StoreConfig struct {
	// Backend selects the persistence adapter: file, sqlite or mongo.
	Backend     string `env:"STORE_BACKEND,      default=file"`
	Dir         string `env:"STORE_DIR,          default=./data"`
	WatchPolicy bool   `env:"STORE_WATCH_POLICY, default=true"`
}

type SqliteConfig struct {
	Path string `env:"SQLITE_PATH, default=./data/poolmux.db"`
}

type MongoConfig struct {
	URI      string `env:"MONGO_URI, default=mongodb://localhost:27017"`
	Database string `env:"MONGO_DB,  default=poolmux"`
}

type RedisConfig struct {
	// Addr empty disables the outcome event stream.
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`
}

type UpstreamConfig struct {
	BaseURL     string `env:"UPSTREAM_URL"`
	RefreshURL  string `env:"UPSTREAM_REFRESH_URL"`
	RegisterURL string `env:"UPSTREAM_REGISTER_URL"`
	ProbeURL    string `env:"PROBE_URL,           default=https://www.gstatic.com/generate_204"`
	UserAgent   string `env:"UPSTREAM_USER_AGENT, default=poolmux/1.0"`
}

// Load reads configuration from environment variables using go-envconfig.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings that have no safe default.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	switch c.Store.Backend {
	case "file", "sqlite", "mongo":
	default:
		return fmt.Errorf("STORE_BACKEND must be file, sqlite or mongo, got %q", c.Store.Backend)
	}
	return nil
}
