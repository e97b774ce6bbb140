// Package config loads entitled configuration from defaults, an optional YAML
// file and RBAC_* environment variables.
//
// Precedence, lowest first: Default(), the file named by RBAC_CONFIG_FILE,
// then the environment. Validate reports every bad setting at once.
//
// Common settings:
//
//	RBAC_HTTP_ADDR=":8080"
//	RBAC_REPOSITORY="postgres"          # postgres, memory
//	RBAC_DATABASE_URL="postgres://localhost/rbac?sslmode=disable"
//	RBAC_FIXTURE_FILE="/etc/entitle/fixtures.yaml"
//	RBAC_CACHE_BACKEND="memory"         # memory, redis, tiered, none
//	RBAC_CACHE_TTL="5m"
//	RBAC_REDIS_URL="redis://localhost:6379/0"
//	RBAC_CACHE_FLUSH_SCHEDULE="@hourly"
//	RBAC_MAX_ROLE_DEPTH="32"
//	RBAC_OIDC_ISSUER="https://accounts.example.com"
//	RBAC_RATE_LIMIT_ENABLED="true"
//	RBAC_AUDIT_LOG_FILE="/var/log/entitle/audit"
//	RBAC_LOG_LEVEL="info"               # debug, info, warn, error
//	RBAC_OTEL_ENABLED="true"
//
// The same settings in YAML:
//
//	server:
//	  addr: ":8080"
//	repository:
//	  backend: memory
//	  fixture_file: fixtures.yaml
//	  watch_fixtures: true
//	cache:
//	  backend: tiered
//	  ttl: 5m
//	  redis_url: redis://localhost:6379/0
package config
