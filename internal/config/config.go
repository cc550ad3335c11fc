// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend selection values for SESSION_BACKEND and CHECKPOINT_BACKEND.
const (
	BackendInMemory = "in_memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Fail mode values for AUTHZ_FAIL_MODE.
const (
	FailClosed = "closed"
	FailOpen   = "open"
)

// Config holds application configuration loaded from the environment.
// It is constructed once at startup and passed into component constructors;
// no component reads ambient global state.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; required when any backend is "postgres".
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis host:port; required when any backend is "redis".
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis auth password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisDB is the Redis logical database number.
	RedisDB int `mapstructure:"REDIS_DB"`

	// SessionBackend selects the session store: in_memory, redis, or postgres.
	SessionBackend string `mapstructure:"SESSION_BACKEND"`
	// CheckpointBackend selects the checkpoint store: in_memory, redis, or postgres.
	CheckpointBackend string `mapstructure:"CHECKPOINT_BACKEND"`

	// SessionTTLSeconds is the session lifetime in seconds (default 3600).
	SessionTTLSeconds int `mapstructure:"SESSION_TTL_SECONDS"`
	// SessionSliding enables sliding expiration: each validated access resets the TTL.
	SessionSliding bool `mapstructure:"SESSION_SLIDING"`
	// MaxConcurrentSessions caps live sessions per user; the least-recently-accessed
	// session is evicted when the cap is exceeded. Must be >= 1.
	MaxConcurrentSessions int `mapstructure:"MAX_CONCURRENT_SESSIONS"`

	// AuthzEngineURL is the base URL of the external relationship engine.
	// Empty selects the embedded engine (single-node/dev).
	AuthzEngineURL string `mapstructure:"AUTHZ_ENGINE_URL"`
	// AuthzEngineTimeout is the per-check engine call timeout (e.g. "500ms"),
	// independent of the overall request deadline.
	AuthzEngineTimeout string `mapstructure:"AUTHZ_ENGINE_TIMEOUT"`
	// AuthzCacheTTLSeconds bounds how long a real decision may be reused.
	AuthzCacheTTLSeconds int `mapstructure:"AUTHZ_CACHE_TTL_SECONDS"`
	// AuthzCacheSize is the decision cache capacity (entries).
	AuthzCacheSize int `mapstructure:"AUTHZ_CACHE_SIZE"`
	// AuthzFailMode is "closed" (deny on engine failure, default) or "open".
	AuthzFailMode string `mapstructure:"AUTHZ_FAIL_MODE"`
	// AuthzFailOpenRelations is a comma-separated list of relations allowed to
	// fail open. Only consulted when AuthzFailMode is "open"; logged at startup.
	AuthzFailOpenRelations string `mapstructure:"AUTHZ_FAIL_OPEN_RELATIONS"`

	// DelegationMaxDepth caps the length of an impersonation chain.
	DelegationMaxDepth int `mapstructure:"DELEGATION_MAX_DEPTH"`

	// JWTIssuer is the expected iss claim of bearer tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim of bearer tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTPublicKey is a PEM-encoded public key or a path to one. Used when the
	// issuer's keys are pinned instead of fetched.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWKSURL is the issuer's published key set endpoint. Takes precedence over
	// JWTPublicKey when both are set.
	JWKSURL string `mapstructure:"JWKS_URL"`
	// JWKSRefreshInterval is how often the key set is re-fetched (e.g. "15m").
	JWKSRefreshInterval string `mapstructure:"JWKS_REFRESH_INTERVAL"`

	// APIKeyBcryptCost is the bcrypt cost factor (4-31) for API key hashing; default 10.
	APIKeyBcryptCost int `mapstructure:"API_KEY_BCRYPT_COST"`

	// BackendTimeout is the per-call timeout for store backends (e.g. "2s").
	BackendTimeout string `mapstructure:"BACKEND_TIMEOUT"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. http://localhost:4317).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// KafkaBrokers is a comma-separated broker list; when set, audit events are
	// also published to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for audit events.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Missing .env is ignored (e.g. in CI). Env vars
// override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SESSION_BACKEND", BackendInMemory)
	v.SetDefault("CHECKPOINT_BACKEND", BackendInMemory)
	v.SetDefault("SESSION_TTL_SECONDS", 3600)
	v.SetDefault("SESSION_SLIDING", true)
	v.SetDefault("MAX_CONCURRENT_SESSIONS", 5)
	v.SetDefault("AUTHZ_ENGINE_URL", "")
	v.SetDefault("AUTHZ_ENGINE_TIMEOUT", "500ms")
	v.SetDefault("AUTHZ_CACHE_TTL_SECONDS", 30)
	v.SetDefault("AUTHZ_CACHE_SIZE", 8192)
	v.SetDefault("AUTHZ_FAIL_MODE", FailClosed)
	v.SetDefault("AUTHZ_FAIL_OPEN_RELATIONS", "")
	v.SetDefault("DELEGATION_MAX_DEPTH", 3)
	v.SetDefault("JWT_ISSUER", "agent-auth")
	v.SetDefault("JWT_AUDIENCE", "agent-api")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWKS_URL", "")
	v.SetDefault("JWKS_REFRESH_INTERVAL", "15m")
	v.SetDefault("API_KEY_BCRYPT_COST", 10)
	v.SetDefault("BACKEND_TIMEOUT", "2s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "agent-audit")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if err := validBackend(cfg.SessionBackend); err != nil {
		return nil, fmt.Errorf("config: SESSION_BACKEND: %w", err)
	}
	if err := validBackend(cfg.CheckpointBackend); err != nil {
		return nil, fmt.Errorf("config: CHECKPOINT_BACKEND: %w", err)
	}
	if (cfg.SessionBackend == BackendPostgres || cfg.CheckpointBackend == BackendPostgres) && cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set for the postgres backend")
	}
	if (cfg.SessionBackend == BackendRedis || cfg.CheckpointBackend == BackendRedis) && cfg.RedisAddr == "" {
		return nil, errors.New("config: REDIS_ADDR must be set for the redis backend")
	}
	if cfg.AuthzFailMode != FailClosed && cfg.AuthzFailMode != FailOpen {
		return nil, fmt.Errorf("config: AUTHZ_FAIL_MODE must be %q or %q, got %q", FailClosed, FailOpen, cfg.AuthzFailMode)
	}
	if cfg.AuthzFailMode == FailOpen && len(cfg.FailOpenRelations()) == 0 {
		return nil, errors.New("config: AUTHZ_FAIL_MODE=open requires a non-empty AUTHZ_FAIL_OPEN_RELATIONS list")
	}
	if cfg.SessionTTLSeconds <= 0 {
		return nil, errors.New("config: SESSION_TTL_SECONDS must be positive")
	}
	if cfg.MaxConcurrentSessions < 1 {
		return nil, errors.New("config: MAX_CONCURRENT_SESSIONS must be >= 1")
	}
	if cfg.DelegationMaxDepth < 1 {
		return nil, errors.New("config: DELEGATION_MAX_DEPTH must be >= 1")
	}
	if cfg.APIKeyBcryptCost < 4 || cfg.APIKeyBcryptCost > 31 {
		return nil, errors.New("config: API_KEY_BCRYPT_COST must be between 4 and 31")
	}
	if cfg.JWTPublicKey == "" && cfg.JWKSURL == "" {
		return nil, errors.New("config: one of JWT_PUBLIC_KEY or JWKS_URL must be set")
	}

	return &cfg, nil
}

func validBackend(s string) error {
	switch s {
	case BackendInMemory, BackendRedis, BackendPostgres:
		return nil
	default:
		return fmt.Errorf("must be %s, %s, or %s, got %q", BackendInMemory, BackendRedis, BackendPostgres, s)
	}
}

// SessionTTL returns the session lifetime as a time.Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// AuthzCacheTTL returns the decision cache TTL as a time.Duration.
func (c *Config) AuthzCacheTTL() time.Duration {
	return time.Duration(c.AuthzCacheTTLSeconds) * time.Second
}

// EngineTimeout parses AuthzEngineTimeout. Returns 500ms if unset or invalid.
func (c *Config) EngineTimeout() time.Duration {
	d, err := time.ParseDuration(c.AuthzEngineTimeout)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// StoreTimeout parses BackendTimeout. Returns 2s if unset or invalid.
func (c *Config) StoreTimeout() time.Duration {
	d, err := time.ParseDuration(c.BackendTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// JWKSRefresh parses JWKSRefreshInterval. Returns 15m if unset or invalid.
func (c *Config) JWKSRefresh() time.Duration {
	d, err := time.ParseDuration(c.JWKSRefreshInterval)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// FailOpenRelations returns the relations permitted to fail open, from the
// comma-separated config value.
func (c *Config) FailOpenRelations() []string {
	return splitCommaList(c.AuthzFailOpenRelations)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated
// config. A non-empty list enables the Kafka audit producer.
func (c *Config) KafkaBrokersList() []string {
	return splitCommaList(c.KafkaBrokers)
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
