package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration for the permission service, loaded
// from the environment.
type Config struct {
	LogLevel string `env:"PERMSEAL_LOG_LEVEL" envDefault:"info"`

	Server   ServerConfig   `envPrefix:"PERMSEAL_SERVER_"`
	Database DatabaseConfig `envPrefix:"PERMSEAL_DB_"`
	Redis    RedisConfig    `envPrefix:"PERMSEAL_REDIS_"`
	Backend  BackendConfig  `envPrefix:"PERMSEAL_BACKEND_"`
	Auth     AuthConfig     `envPrefix:"PERMSEAL_AUTH_"`
	Limits   LimitsConfig   `envPrefix:"PERMSEAL_LIMIT_"`
	Worker   WorkerConfig   `envPrefix:"PERMSEAL_WORKER_"`
	Provider ProviderConfig `envPrefix:"PERMSEAL_PROVIDER_"`
	LDAP     LDAPConfig     `envPrefix:"PERMSEAL_LDAP_"`
	Tracing  TracingConfig  `envPrefix:"PERMSEAL_TRACING_"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimit       float64       `env:"RATE_LIMIT" envDefault:"50"`
	RateBurst       int           `env:"RATE_BURST" envDefault:"100"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host         string `env:"HOST" envDefault:"localhost"`
	Port         int    `env:"PORT" envDefault:"5432"`
	User         string `env:"USER" envDefault:"permseal"`
	Password     string `env:"PASSWORD"`
	Name         string `env:"NAME" envDefault:"permseal"`
	SSLMode      string `env:"SSLMODE" envDefault:"disable"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int    `env:"MAX_IDLE_CONNS" envDefault:"25"`
}

// RedisConfig holds the Redis connection settings. Redis backs the
// policy-change locks and the resource name cache.
type RedisConfig struct {
	Addr         string        `env:"ADDR" envDefault:"localhost:6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB" envDefault:"0"`
	NameCacheTTL time.Duration `env:"NAME_CACHE_TTL" envDefault:"10m"`
}

// BackendConfig holds the settings for the authorization backend that
// evaluates policies at request time. The permission service mirrors
// every policy it writes there.
type BackendConfig struct {
	BaseURL   string        `env:"BASE_URL"`
	AppCode   string        `env:"APP_CODE" envDefault:"permseal"`
	AppSecret string        `env:"APP_SECRET"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// AuthConfig holds the API authentication settings.
type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"12h"`
}

// LimitsConfig bounds the size of write operations so a single grant
// cannot produce unbounded policies.
type LimitsConfig struct {
	MaxInstancesPerPolicy int `env:"MAX_INSTANCES_PER_POLICY" envDefault:"10000"`
	MaxMembersPerBatch    int `env:"MAX_MEMBERS_PER_BATCH" envDefault:"1000"`
	MaxMembersPerGroup    int `env:"MAX_MEMBERS_PER_GROUP" envDefault:"1000"`
	MaxGroupsPerSubject   int `env:"MAX_GROUPS_PER_SUBJECT" envDefault:"100"`
	MaxGroupNameLength    int `env:"MAX_GROUP_NAME_LENGTH" envDefault:"128"`
}

// WorkerConfig tunes the asynchronous authorization task runner. A
// failed task is retried on the next poll tick until MaxAttempts.
type WorkerConfig struct {
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	CleanupAge    time.Duration `env:"CLEANUP_AGE" envDefault:"24h"`
}

// ProviderConfig bounds the request rate against resource providers so
// a large name check cannot flood a callback endpoint.
type ProviderConfig struct {
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"50"`
	RateBurst int     `env:"RATE_BURST" envDefault:"100"`
}

// LDAPConfig holds the directory settings used by the organization sync.
type LDAPConfig struct {
	URL          string `env:"URL"`
	BindDN       string `env:"BIND_DN"`
	BindPassword string `env:"BIND_PASSWORD"`
	BaseDN       string `env:"BASE_DN"`
	UserFilter   string `env:"USER_FILTER" envDefault:"(objectClass=inetOrgPerson)"`
	GroupFilter  string `env:"GROUP_FILTER" envDefault:"(objectClass=organizationalUnit)"`
}

// TracingConfig holds the OpenTelemetry settings.
type TracingConfig struct {
	OTLPEndpoint   string `env:"OTLP_ENDPOINT"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment    string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	return cfg, nil
}
