package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/observability"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "TRUE")
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_LIST", " a, ,b ,c")

	assert.Equal(t, "custom", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_STR_UNSET", "default"))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("TEST_BOOL_ONE", false))
	assert.True(t, getEnvBool("TEST_BOOL_UNSET", true))
	assert.Equal(t, 42, getEnvInt("TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("TEST_INT_BAD", 1), "unparsable values fall back")
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 1))
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("TEST_LIST_UNSET", []string{"x"}))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("RBAC_DATABASE_URL", "postgres://localhost/rbac")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, RepositoryPostgres, cfg.Repository.Backend)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 32, cfg.Engine.MaxRoleDepth)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.Level())
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("RBAC_REPOSITORY", "MEMORY")
	t.Setenv("RBAC_FIXTURE_FILE", "fixtures.yaml")
	t.Setenv("RBAC_WATCH_FIXTURES", "true")
	t.Setenv("RBAC_CACHE_BACKEND", "tiered")
	t.Setenv("RBAC_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("RBAC_CACHE_TTL", "1m")
	t.Setenv("RBAC_CACHE_FLUSH_SCHEDULE", "@hourly")
	t.Setenv("RBAC_MAX_ROLE_DEPTH", "8")
	t.Setenv("RBAC_WARM_PRINCIPALS", "550e8400-e29b-41d4-a716-446655440001")
	t.Setenv("RBAC_RATE_LIMIT_ENABLED", "true")
	t.Setenv("RBAC_RATE_LIMIT_BACKEND", "redis")
	t.Setenv("RBAC_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, RepositoryMemory, cfg.Repository.Backend)
	assert.True(t, cfg.Repository.WatchFixtures)
	assert.Equal(t, CacheTiered, cfg.Cache.Backend)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "@hourly", cfg.Cache.FlushSchedule)
	assert.Equal(t, 8, cfg.Engine.MaxRoleDepth)
	assert.Len(t, cfg.Engine.WarmPrincipals, 1)
	assert.Equal(t, CacheRedis, cfg.RateLimit.Backend)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
}

func TestLoadConfig_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
repository:
  backend: memory
  fixture_file: /etc/entitle/fixtures.yaml
cache:
  backend: none
  ttl: 2m
engine:
  max_role_depth: 16
  warm_principals:
    - 550e8400-e29b-41d4-a716-446655440002
observability:
  log_level: warn
`), 0o600))

	t.Setenv("RBAC_CONFIG_FILE", path)
	t.Setenv("RBAC_HTTP_ADDR", ":9100")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr, "environment wins over the file")
	assert.Equal(t, RepositoryMemory, cfg.Repository.Backend)
	assert.Equal(t, "/etc/entitle/fixtures.yaml", cfg.Repository.FixtureFile)
	assert.Equal(t, CacheNone, cfg.Cache.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 16, cfg.Engine.MaxRoleDepth)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "unset keys keep defaults")
	assert.Equal(t, observability.WarnLevel, cfg.Observability.Level())
}

func TestLoadConfig_BadFile(t *testing.T) {
	t.Setenv("RBAC_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	t.Setenv("RBAC_CONFIG_FILE", path)
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/rbac"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing address", func(c *Config) { c.Server.Addr = "" }, "server address"},
		{"postgres without URL", func(c *Config) { c.Database.URL = "" }, "database URL"},
		{"unknown repository", func(c *Config) { c.Repository.Backend = "mysql" }, "invalid repository"},
		{"watch without file", func(c *Config) {
			c.Repository.Backend = RepositoryMemory
			c.Repository.WatchFixtures = true
		}, "fixture file"},
		{"redis without URL", func(c *Config) { c.Cache.Backend = CacheRedis }, "redis URL"},
		{"tiered without URL", func(c *Config) { c.Cache.Backend = CacheTiered }, "redis URL"},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, "invalid cache backend"},
		{"zero TTL", func(c *Config) { c.Cache.TTL = 0 }, "TTL"},
		{"zero TTL without cache", func(c *Config) {
			c.Cache.Backend = CacheNone
			c.Cache.TTL = 0
		}, ""},
		{"bad schedule", func(c *Config) { c.Cache.FlushSchedule = "every tuesday" }, "flush schedule"},
		{"zero depth", func(c *Config) { c.Engine.MaxRoleDepth = 0 }, "role depth"},
		{"bad warm principal", func(c *Config) { c.Engine.WarmPrincipals = []string{"nope"} }, "warm principal"},
		{"issuer without client", func(c *Config) { c.Auth.OIDCIssuer = "https://issuer" }, "client ID"},
		{"rate limit without window", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Window = 0
		}, "rate limit"},
		{"redis rate limit without URL", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Backend = CacheRedis
		}, "redis rate limiter"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Engine.MaxRoleDepth = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server address")
	assert.Contains(t, err.Error(), "database URL")
	assert.Contains(t, err.Error(), "role depth")
}
