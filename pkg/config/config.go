package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/entitle/pkg/observability"
)

// Repository backends
const (
	RepositoryPostgres = "postgres"
	RepositoryMemory   = "memory"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheTiered = "tiered"
	CacheNone   = "none"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Repository    RepositoryConfig    `yaml:"repository"`
	Cache         CacheConfig         `yaml:"cache"`
	Engine        EngineConfig        `yaml:"engine"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig holds the permission store connection settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	Seed            bool          `yaml:"seed"`
}

// RepositoryConfig selects where role and permission facts are read from
type RepositoryConfig struct {
	Backend       string `yaml:"backend"`
	FixtureFile   string `yaml:"fixture_file"`
	WatchFixtures bool   `yaml:"watch_fixtures"`
}

// CacheConfig holds decision cache settings
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	LocalTTL      time.Duration `yaml:"local_ttl"`
	Size          int           `yaml:"size"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	RedisChannel  string        `yaml:"redis_channel"`
	FlushSchedule string        `yaml:"flush_schedule"`
}

// EngineConfig tunes resolution
type EngineConfig struct {
	MaxRoleDepth   int      `yaml:"max_role_depth"`
	Fanout         int      `yaml:"fanout"`
	WarmFanout     int      `yaml:"warm_fanout"`
	WarmPrincipals []string `yaml:"warm_principals"`
}

// AuthConfig selects how callers are identified. With no issuer the
// principal is read from a trusted header.
type AuthConfig struct {
	OIDCIssuer   string `yaml:"oidc_issuer"`
	OIDCClientID string `yaml:"oidc_client_id"`
	Optional     bool   `yaml:"optional"`
}

// RateLimitConfig holds request throttling settings
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backend  string        `yaml:"backend"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	File     string `yaml:"file"`
	Stdout   bool   `yaml:"stdout"`
	Rotate   bool   `yaml:"rotate"`
	MaxSize  int64  `yaml:"max_size"`
	MaxFiles int    `yaml:"max_files"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Repository: RepositoryConfig{
			Backend: RepositoryPostgres,
		},
		Cache: CacheConfig{
			Backend:      CacheMemory,
			TTL:          5 * time.Minute,
			LocalTTL:     30 * time.Second,
			Size:         10000,
			RedisPrefix:  "rbac",
			RedisChannel: "rbac:invalidate",
		},
		Engine: EngineConfig{
			MaxRoleDepth: 32,
			Fanout:       8,
			WarmFanout:   4,
		},
		RateLimit: RateLimitConfig{
			Backend:  CacheMemory,
			Requests: 600,
			Window:   time.Minute,
			Burst:    50,
		},
		Audit: AuditConfig{
			MaxSize:  100 * 1024 * 1024,
			MaxFiles: 10,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "entitled",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by RBAC_CONFIG_FILE and RBAC_* environment variables, in that order
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RBAC_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Addr = getEnv("RBAC_HTTP_ADDR", s.Addr)
	s.ReadTimeout = getEnvDuration("RBAC_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("RBAC_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("RBAC_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("RBAC_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("RBAC_MAX_BODY_BYTES", s.MaxBodyBytes)

	db := &c.Database
	db.URL = getEnv("RBAC_DATABASE_URL", db.URL)
	db.MaxOpenConns = getEnvInt("RBAC_DB_MAX_OPEN_CONNS", db.MaxOpenConns)
	db.MaxIdleConns = getEnvInt("RBAC_DB_MAX_IDLE_CONNS", db.MaxIdleConns)
	db.ConnMaxLifetime = getEnvDuration("RBAC_DB_CONN_MAX_LIFETIME", db.ConnMaxLifetime)
	db.AutoMigrate = getEnvBool("RBAC_DB_AUTO_MIGRATE", db.AutoMigrate)
	db.Seed = getEnvBool("RBAC_DB_SEED", db.Seed)

	r := &c.Repository
	r.Backend = strings.ToLower(getEnv("RBAC_REPOSITORY", r.Backend))
	r.FixtureFile = getEnv("RBAC_FIXTURE_FILE", r.FixtureFile)
	r.WatchFixtures = getEnvBool("RBAC_WATCH_FIXTURES", r.WatchFixtures)

	ca := &c.Cache
	ca.Backend = strings.ToLower(getEnv("RBAC_CACHE_BACKEND", ca.Backend))
	ca.TTL = getEnvDuration("RBAC_CACHE_TTL", ca.TTL)
	ca.LocalTTL = getEnvDuration("RBAC_CACHE_LOCAL_TTL", ca.LocalTTL)
	ca.Size = getEnvInt("RBAC_CACHE_SIZE", ca.Size)
	ca.RedisURL = getEnv("RBAC_REDIS_URL", ca.RedisURL)
	ca.RedisPrefix = getEnv("RBAC_REDIS_PREFIX", ca.RedisPrefix)
	ca.RedisChannel = getEnv("RBAC_REDIS_CHANNEL", ca.RedisChannel)
	ca.FlushSchedule = getEnv("RBAC_CACHE_FLUSH_SCHEDULE", ca.FlushSchedule)

	e := &c.Engine
	e.MaxRoleDepth = getEnvInt("RBAC_MAX_ROLE_DEPTH", e.MaxRoleDepth)
	e.Fanout = getEnvInt("RBAC_RESOLVE_FANOUT", e.Fanout)
	e.WarmFanout = getEnvInt("RBAC_WARM_FANOUT", e.WarmFanout)
	e.WarmPrincipals = getEnvList("RBAC_WARM_PRINCIPALS", e.WarmPrincipals)

	a := &c.Auth
	a.OIDCIssuer = getEnv("RBAC_OIDC_ISSUER", a.OIDCIssuer)
	a.OIDCClientID = getEnv("RBAC_OIDC_CLIENT_ID", a.OIDCClientID)
	a.Optional = getEnvBool("RBAC_AUTH_OPTIONAL", a.Optional)

	rl := &c.RateLimit
	rl.Enabled = getEnvBool("RBAC_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.Backend = strings.ToLower(getEnv("RBAC_RATE_LIMIT_BACKEND", rl.Backend))
	rl.Requests = getEnvInt("RBAC_RATE_LIMIT_REQUESTS", rl.Requests)
	rl.Window = getEnvDuration("RBAC_RATE_LIMIT_WINDOW", rl.Window)
	rl.Burst = getEnvInt("RBAC_RATE_LIMIT_BURST", rl.Burst)

	au := &c.Audit
	au.File = getEnv("RBAC_AUDIT_LOG_FILE", au.File)
	au.Stdout = getEnvBool("RBAC_AUDIT_LOG_STDOUT", au.Stdout)
	au.Rotate = getEnvBool("RBAC_AUDIT_LOG_ROTATE", au.Rotate)
	au.MaxSize = getEnvInt64("RBAC_AUDIT_LOG_MAX_SIZE", au.MaxSize)
	au.MaxFiles = getEnvInt("RBAC_AUDIT_LOG_MAX_FILES", au.MaxFiles)

	o := &c.Observability
	o.LogLevel = getEnv("RBAC_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("RBAC_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("RBAC_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("RBAC_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("RBAC_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("RBAC_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("RBAC_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("RBAC_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server address is required"))
	}

	switch c.Repository.Backend {
	case RepositoryPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database URL is required for the postgres repository"))
		}
	case RepositoryMemory:
		if c.Repository.WatchFixtures && c.Repository.FixtureFile == "" {
			errs = append(errs, errors.New("watching fixtures requires a fixture file"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid repository: %s (must be postgres or memory)", c.Repository.Backend))
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheNone:
	case CacheRedis, CacheTiered:
		if c.Cache.RedisURL == "" {
			errs = append(errs, fmt.Errorf("redis URL is required for the %s cache", c.Cache.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid cache backend: %s (must be memory, redis, tiered, or none)", c.Cache.Backend))
	}
	if c.Cache.Backend != CacheNone && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}
	if c.Cache.FlushSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.FlushSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid cache flush schedule %q: %w", c.Cache.FlushSchedule, err))
		}
	}

	if c.Engine.MaxRoleDepth <= 0 {
		errs = append(errs, errors.New("max role depth must be positive"))
	}
	for _, p := range c.Engine.WarmPrincipals {
		if _, err := uuid.Parse(p); err != nil {
			errs = append(errs, fmt.Errorf("invalid warm principal %q", p))
		}
	}

	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCClientID == "" {
		errs = append(errs, errors.New("OIDC client ID is required when an issuer is set"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("rate limit requests and window must be positive"))
		}
		switch c.RateLimit.Backend {
		case CacheMemory:
		case CacheRedis:
			if c.Cache.RedisURL == "" {
				errs = append(errs, errors.New("redis URL is required for the redis rate limiter"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid rate limit backend: %s (must be memory or redis)", c.RateLimit.Backend))
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	return errors.Join(errs...)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
