package config

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Routing   RoutingConfig   `yaml:"routing"`
	CostGuard CostGuardConfig `yaml:"cost_guard"`
	Store     StoreConfig     `yaml:"store"`
	Admin     AdminConfig     `yaml:"admin"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type RoutingConfig struct {
	// DefaultRequestTimeout applies to clusters and providers that leave their own timeout at zero.
	DefaultRequestTimeout time.Duration `yaml:"default_request_timeout"`
	LatencyEWMAAlpha      float64       `yaml:"latency_ewma_alpha"`
	MaxBodyBytes          int64         `yaml:"max_body_bytes"`
}

type CostGuardConfig struct {
	AlertCooldown  time.Duration `yaml:"alert_cooldown"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	LedgerCapacity int           `yaml:"ledger_capacity"`
	RedisRetention time.Duration `yaml:"redis_retention"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"` // file | postgres
	Path          string        `yaml:"path"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// PollInterval is how often the postgres backend is re-read for changes
	// made by other instances.
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AdminConfig struct {
	// KeyHashes are SHA-256 hex digests of the admin bearer keys.
	KeyHashes []string `yaml:"key_hashes"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     180 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "aegis",
			User:            "aegis",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Routing: RoutingConfig{
			DefaultRequestTimeout: 60 * time.Second,
			LatencyEWMAAlpha:      0.3,
			MaxBodyBytes:          4 << 20,
		},
		CostGuard: CostGuardConfig{
			AlertCooldown:  60 * time.Second,
			WebhookTimeout: 5 * time.Second,
			LedgerCapacity: 10000,
			RedisRetention: 24 * time.Hour,
			RedisKeyPrefix: "aegis:usage:",
		},
		Store: StoreConfig{
			Backend:       "file",
			Path:          "configs/routing.yaml",
			WatchDebounce: 250 * time.Millisecond,
			PollInterval:  15 * time.Second,
		},
	}
}
