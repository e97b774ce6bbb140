package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/client"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/rbac/cache"
	"github.com/platinummonkey/entitle/pkg/rbac/store"
)

// backend answers queries either from the database or from a server
type backend interface {
	Check(ctx context.Context, principal uuid.UUID, permission string) (bool, error)
	Effective(ctx context.Context, principal uuid.UUID, fresh bool) (rbac.Effective, error)
	Invalidate(ctx context.Context, principal *uuid.UUID) error
	Roles(ctx context.Context) ([]rbac.Role, error)
	AssignRole(ctx context.Context, principal uuid.UUID, role rbac.RoleID) error
	RevokeRole(ctx context.Context, principal uuid.UUID, role rbac.RoleID) error
	Close() error
}

var errNoDatabase = errors.New("no database configured: set --database-url or RBAC_DATABASE_URL")

func (a *app) openDB() (*sql.DB, error) {
	if a.databaseURL == "" {
		return nil, errNoDatabase
	}
	db, err := a.opts.OpenDB(a.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (a *app) backend(ctx context.Context) (backend, error) {
	if a.remote != "" {
		a.log.WithField("server", a.remote).Debug("using remote backend")
		c, err := client.New(ctx, client.Options{
			BaseURL:      a.remote,
			Principal:    a.actAs,
			TokenURL:     a.tokenURL,
			ClientID:     a.clientID,
			ClientSecret: a.clientSecret,
		})
		if err != nil {
			return nil, err
		}
		return remoteBackend{c}, nil
	}

	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.ParseLogLevel(a.log.GetLevel().String()), a.opts.Err)
	authz := rbac.NewAuthorizer(store.NewPostgresRepository(db), nil, rbac.Options{Logger: logger})

	lb := &localBackend{db: db, authz: authz}
	if a.redisURL != "" {
		shared, err := cache.NewRedisCache(cache.RedisConfig{URL: a.redisURL, Prefix: a.redisPrefix, Channel: a.redisChannel})
		if err != nil {
			db.Close()
			return nil, err
		}
		lb.shared = shared
	}
	var invalidator store.Invalidator
	if lb.shared != nil {
		invalidator = lb
	}
	lb.admin = store.NewAdmin(db, invalidator, logger)
	a.log.Debug("using local backend")
	return lb, nil
}

type remoteBackend struct {
	*client.Client
}

func (remoteBackend) Close() error { return nil }

// localBackend resolves against the database without a cache of its own.
// Writes and invalidations reach running servers through the shared Redis
// cache when one is configured.
type localBackend struct {
	db     *sql.DB
	authz  *rbac.Authorizer
	admin  *store.Admin
	shared *cache.RedisCache
}

func (b *localBackend) Check(ctx context.Context, principal uuid.UUID, permission string) (bool, error) {
	return b.authz.HasPermission(ctx, principal, permission)
}

func (b *localBackend) Effective(ctx context.Context, principal uuid.UUID, _ bool) (rbac.Effective, error) {
	return b.authz.Resolve(ctx, principal)
}

func (b *localBackend) Invalidate(ctx context.Context, principal *uuid.UUID) error {
	if principal == nil {
		return b.InvalidateAll(ctx)
	}
	return b.InvalidateCacheFor(ctx, *principal)
}

// InvalidateCacheFor lets the backend act as the admin's invalidator
func (b *localBackend) InvalidateCacheFor(ctx context.Context, principal rbac.PrincipalID) error {
	if b.shared == nil {
		return errNoSharedCache
	}
	return b.shared.Invalidate(ctx, principal)
}

func (b *localBackend) InvalidateAll(ctx context.Context) error {
	if b.shared == nil {
		return errNoSharedCache
	}
	return b.shared.InvalidateAll(ctx)
}

var errNoSharedCache = errors.New("no shared cache configured: set --redis-url or use --remote")

func (b *localBackend) Roles(ctx context.Context) ([]rbac.Role, error) {
	return b.admin.ListRoles(ctx)
}

func (b *localBackend) AssignRole(ctx context.Context, principal uuid.UUID, role rbac.RoleID) error {
	return b.admin.AssignRole(ctx, principal, role)
}

func (b *localBackend) RevokeRole(ctx context.Context, principal uuid.UUID, role rbac.RoleID) error {
	return b.admin.RevokeRole(ctx, principal, role)
}

func (b *localBackend) Close() error {
	var errs []error
	if b.shared != nil {
		errs = append(errs, b.shared.Close())
	}
	errs = append(errs, b.db.Close())
	return errors.Join(errs...)
}
