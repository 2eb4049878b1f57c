// Package config loads the daemon configuration: a YAML file overlaid with ENT_*
// environment variables, then validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/plugin-entitlements/internal/logging"
	"github.com/technosupport/plugin-entitlements/internal/middleware"
	"github.com/technosupport/plugin-entitlements/internal/platform/paths"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
	"github.com/technosupport/plugin-entitlements/internal/ratelimit"
	"github.com/technosupport/plugin-entitlements/internal/servertime"
)

const EnvPrefix = "ENT"

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig        `yaml:"server" envconfig:"SERVER"`
	Storage   StorageConfig       `yaml:"storage" envconfig:"STORAGE"`
	Redis     RedisConfig         `yaml:"redis" envconfig:"REDIS"`
	Postgres  PostgresConfig      `yaml:"postgres" envconfig:"POSTGRES"`
	NATS      NATSConfig          `yaml:"nats" envconfig:"NATS"`
	Time      TimeConfig          `yaml:"time" envconfig:"TIME"`
	Plugins   []plugin.Definition `yaml:"plugins" ignored:"true" validate:"required,min=1,dive"`
	Admin     AdminConfig         `yaml:"admin" envconfig:"ADMIN"`
	RateLimit RateLimitConfig     `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Logging   logging.Config      `yaml:"logging" envconfig:"LOGGING"`
	Audit     AuditConfig         `yaml:"audit" envconfig:"AUDIT"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=memory redis postgres"`
	// CacheSize bounds the read-through LRU in front of the backend; 0 disables it.
	CacheSize int `yaml:"cache_size" envconfig:"CACHE_SIZE" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB" validate:"gte=0"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS" validate:"gte=0"`
}

type NATSConfig struct {
	// URL empty disables event publishing.
	URL           string `yaml:"url" envconfig:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
	MaxRetries    int    `yaml:"max_retries" envconfig:"MAX_RETRIES" validate:"gte=0"`
}

type TimeConfig struct {
	Endpoints []servertime.Endpoint `yaml:"endpoints" ignored:"true" validate:"dive"`
	Timeout   time.Duration         `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
}

type AdminConfig struct {
	SigningKey string        `yaml:"signing_key" envconfig:"SIGNING_KEY" validate:"required,min=16"`
	Issuer     string        `yaml:"issuer" envconfig:"ISSUER"`
	TokenTTL   time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" validate:"gt=0"`
}

type RateLimitConfig struct {
	middleware.Config `yaml:",inline"`
	Salt              string `yaml:"salt" envconfig:"SALT"`
}

type AuditConfig struct {
	SpoolDir       string        `yaml:"spool_dir" envconfig:"SPOOL_DIR"`
	SpoolMaxMB     int64         `yaml:"spool_max_mb" envconfig:"SPOOL_MAX_MB" validate:"gte=0"`
	ReplayInterval time.Duration `yaml:"replay_interval" envconfig:"REPLAY_INTERVAL" validate:"gt=0"`
}

// Default returns the configuration used for anything the file and environment leave unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"null"},
		},
		Storage: StorageConfig{Backend: BackendMemory, CacheSize: 4096},
		NATS:    NATSConfig{SubjectPrefix: "entitlements", MaxRetries: 3},
		Time: TimeConfig{
			Endpoints: servertime.DefaultEndpoints(),
			Timeout:   servertime.DefaultTimeout,
		},
		Plugins: plugin.DefaultDefinitions(),
		Admin:   AdminConfig{Issuer: "entitlementd", TokenTTL: time.Hour},
		RateLimit: RateLimitConfig{Config: middleware.Config{
			GlobalIP:     ratelimit.LimitConfig{Rate: 600, Window: time.Minute},
			Installation: ratelimit.LimitConfig{Rate: 120, Window: time.Minute},
			Activation:   ratelimit.LimitConfig{Rate: 10, Window: 15 * time.Minute},
			Admin:        ratelimit.LimitConfig{Rate: 60, Window: time.Minute},
		}},
		Logging: logging.Config{Level: "info", Format: "json"},
		Audit: AuditConfig{
			SpoolDir:       filepath.Join(paths.ResolveDataRoot(), "spool"),
			SpoolMaxMB:     64,
			ReplayInterval: time.Minute,
		},
	}
}

// Load reads path (if it exists) over Default, applies ENT_* overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Storage.Backend == BackendRedis && c.Redis.Addr == "" {
		return errors.New("storage backend redis requires redis.addr")
	}
	if c.Storage.Backend == BackendPostgres && c.Postgres.DSN == "" {
		return errors.New("storage backend postgres requires postgres.dsn")
	}
	if _, err := plugin.NewCatalog(c.Plugins); err != nil {
		return err
	}
	return nil
}
