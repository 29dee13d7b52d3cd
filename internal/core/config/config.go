package config

import (
	"github.com/vietddude/resilio/internal/cache"
	kvbadger "github.com/vietddude/resilio/internal/infra/kv/badger"
	kvpostgres "github.com/vietddude/resilio/internal/infra/kv/postgres"
	kvredis "github.com/vietddude/resilio/internal/infra/kv/redis"
	"github.com/vietddude/resilio/internal/preload"
	"github.com/vietddude/resilio/internal/resilience"
	"github.com/vietddude/resilio/internal/retry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig             `yaml:"server"`
	API     APIConfig                `yaml:"api"`
	Logging LoggingConfig            `yaml:"logging"`
	Storage StorageConfig            `yaml:"storage"`
	Cache   cache.Config             `yaml:"cache"`
	Retry   retry.Config             `yaml:"retry"`
	Breaker resilience.BreakerConfig `yaml:"breaker"`
	Preload preload.Config           `yaml:"preload"`
}

// ServerConfig holds health/metrics HTTP server settings. Port 0 disables
// the server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// APIConfig points the daemon's fetchers at the journal backend. The core
// never talks to the network itself; the cli wires fetchers from this.
type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	AuthToken string `yaml:"auth_token"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Backend names for StorageConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// StorageConfig selects and configures the key/value backend.
type StorageConfig struct {
	Backend  string            `yaml:"backend"` // memory, redis, badger, postgres
	Redis    kvredis.Config    `yaml:"redis"`
	Badger   kvbadger.Config   `yaml:"badger"`
	Postgres kvpostgres.Config `yaml:"postgres"`
}

// Default returns a fully-defaulted configuration with the in-memory backend.
func Default() AppConfig {
	return AppConfig{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Backend: BackendMemory},
		Cache:   cache.DefaultConfig(),
		Retry:   retry.DefaultConfig(),
		Breaker: resilience.DefaultBreakerConfig(),
		Preload: preload.DefaultConfig(),
	}
}
