package rbac_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/rbac/cache"
	"github.com/platinummonkey/entitle/pkg/rbac/memory"
	"github.com/platinummonkey/entitle/pkg/rbac/seed"
)

var superadminPrincipal = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

// countingRepo counts calls and can be switched into failure mode
type countingRepo struct {
	rbac.Repository
	calls atomic.Int64
	fail  atomic.Bool
}

func (c *countingRepo) GetAssignedRoles(ctx context.Context, p rbac.PrincipalID) ([]rbac.RoleRef, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return c.Repository.GetAssignedRoles(ctx, p)
}

func (c *countingRepo) GetDirectPermissions(ctx context.Context, p rbac.PrincipalID) ([]rbac.PermissionRef, error) {
	c.calls.Add(1)
	return c.Repository.GetDirectPermissions(ctx, p)
}

func (c *countingRepo) GetRolePermissions(ctx context.Context, id rbac.RoleID) ([]rbac.PermissionRef, error) {
	c.calls.Add(1)
	return c.Repository.GetRolePermissions(ctx, id)
}

// failingCache errors on every operation
type failingCache struct{}

func (failingCache) Get(context.Context, rbac.PrincipalID) (rbac.Effective, bool, error) {
	return rbac.Effective{}, false, errors.New("cache down")
}
func (failingCache) Put(context.Context, rbac.PrincipalID, rbac.Effective, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Invalidate(context.Context, rbac.PrincipalID) error {
	return errors.New("cache down")
}
func (failingCache) InvalidateAll(context.Context) error { return errors.New("cache down") }

func demoFixture() seed.Fixture {
	f := seed.Demo()
	f.Principals = append(f.Principals, seed.PrincipalGrant{
		ID:    superadminPrincipal.String(),
		Roles: []string{seed.RoleSuperadmin},
	})
	return f
}

type harness struct {
	mem   *memory.Repository
	repo  *countingRepo
	authz *rbac.Authorizer
}

func newHarness(t *testing.T, f seed.Fixture, c rbac.DecisionCache) *harness {
	t.Helper()
	mem, err := memory.New(f)
	require.NoError(t, err)
	repo := &countingRepo{Repository: mem}
	if c == nil {
		c = cache.NewMemoryCache(cache.DefaultMemoryConfig())
	}
	authz := rbac.NewAuthorizer(repo, c, rbac.Options{
		Logger: observability.NewLogger(observability.ErrorLevel, nil),
	})
	return &harness{mem: mem, repo: repo, authz: authz}
}

func TestHasPermission_SeedScenario(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	ctx := context.Background()

	allowed, err := h.authz.HasPermission(ctx, seed.AdminPrincipal, "rbac.roles.view")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = h.authz.HasPermission(ctx, seed.UserPrincipal, "rbac.roles.view")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHasPermission_UndefinedPermissionIsDenied(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)

	for _, p := range []rbac.PrincipalID{seed.AdminPrincipal, seed.UserPrincipal, uuid.New()} {
		allowed, err := h.authz.HasPermission(context.Background(), p, "reports.export")
		require.NoError(t, err)
		assert.False(t, allowed, "principal %s", p)
	}
}

func TestHasPermission_SystemRoleBypass(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	ctx := context.Background()

	for _, name := range []string{"rbac.roles.view", "reports.export", "never.defined.anywhere"} {
		allowed, err := h.authz.HasPermission(ctx, superadminPrincipal, name)
		require.NoError(t, err)
		assert.True(t, allowed, name)
	}

	eff, err := h.authz.EffectivePermissions(ctx, superadminPrincipal)
	require.NoError(t, err)
	assert.True(t, eff.All)
	assert.Empty(t, eff.Permissions)
}

func TestHasPermission_BypassStillValidatesName(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)

	allowed, err := h.authz.HasPermission(context.Background(), superadminPrincipal, "not a name")
	assert.False(t, allowed)
	assert.ErrorIs(t, err, rbac.ErrInvalidPermissionName)
	assert.Zero(t, h.repo.calls.Load())
}

func TestEffectivePermissions_Admin(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)

	eff, err := h.authz.EffectivePermissions(context.Background(), seed.AdminPrincipal)
	require.NoError(t, err)
	assert.False(t, eff.All)
	assert.ElementsMatch(t, seed.AdminPermissions(), eff.Permissions.Names())
	assert.False(t, eff.Permissions.Has("dashboard.view"))
	assert.Equal(t, []string{seed.RoleAdmin}, eff.Roles)
}

func TestEffectivePermissions_User(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)

	eff, err := h.authz.EffectivePermissions(context.Background(), seed.UserPrincipal)
	require.NoError(t, err)
	assert.Equal(t, []string{"dashboard.view", "profile.edit", "profile.view"}, eff.Permissions.Names())
}

func TestEffectivePermissions_UnionIdempotence(t *testing.T) {
	viaRole := demoFixture()
	both := demoFixture()
	both.Principals[1].Permissions = []string{"dashboard.view"}

	a := newHarness(t, viaRole, nil)
	b := newHarness(t, both, nil)

	effA, err := a.authz.EffectivePermissions(context.Background(), seed.UserPrincipal)
	require.NoError(t, err)
	effB, err := b.authz.EffectivePermissions(context.Background(), seed.UserPrincipal)
	require.NoError(t, err)
	assert.Equal(t, effA.Permissions.Names(), effB.Permissions.Names())
}

func TestEffectivePermissions_DirectGrantOnly(t *testing.T) {
	f := demoFixture()
	loner := uuid.New()
	f.Principals = append(f.Principals, seed.PrincipalGrant{ID: loner.String(), Permissions: []string{"rbac.roles.view"}})
	h := newHarness(t, f, nil)

	eff, err := h.authz.EffectivePermissions(context.Background(), loner)
	require.NoError(t, err)
	assert.Equal(t, []string{"rbac.roles.view"}, eff.Permissions.Names())
}

func TestEffectivePermissions_NoGrants(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)

	eff, err := h.authz.EffectivePermissions(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, eff.All)
	assert.Empty(t, eff.Permissions)
}

func TestSoftDeleteAndDeactivation(t *testing.T) {
	ctx := context.Background()

	t.Run("soft deleted permission", func(t *testing.T) {
		f := demoFixture()
		h := newHarness(t, f, nil)
		allowed, err := h.authz.HasPermission(ctx, seed.UserPrincipal, "profile.edit")
		require.NoError(t, err)
		require.True(t, allowed)

		deleted := time.Now()
		for i := range f.Permissions {
			if f.Permissions[i].Name == "profile.edit" {
				f.Permissions[i].DeletedAt = &deleted
			}
		}
		require.NoError(t, h.mem.Replace(f))
		require.NoError(t, h.authz.InvalidateAll(ctx))

		allowed, err = h.authz.HasPermission(ctx, seed.UserPrincipal, "profile.edit")
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("inactive permission", func(t *testing.T) {
		f := demoFixture()
		for i := range f.Permissions {
			if f.Permissions[i].Name == "rbac.roles.view" {
				f.Permissions[i].IsActive = false
			}
		}
		h := newHarness(t, f, nil)

		eff, err := h.authz.EffectivePermissions(ctx, seed.AdminPrincipal)
		require.NoError(t, err)
		assert.False(t, eff.Permissions.Has("rbac.roles.view"))
		assert.Len(t, eff.Permissions, len(seed.AdminPermissions())-1)
	})

	t.Run("inactive system role grants nothing", func(t *testing.T) {
		f := demoFixture()
		f.Roles[0].IsActive = false
		h := newHarness(t, f, nil)

		allowed, err := h.authz.HasPermission(ctx, superadminPrincipal, "rbac.roles.view")
		require.NoError(t, err)
		assert.False(t, allowed)
	})
}

func TestInheritance_DescendantGetsAncestorGrants(t *testing.T) {
	f := demoFixture()
	adminID := f.Roles[1].ID
	f.Roles = append(f.Roles, rbac.Role{ID: 10, Name: "auditor", IsActive: true, ParentID: &adminID})
	auditor := uuid.New()
	f.Principals = append(f.Principals, seed.PrincipalGrant{ID: auditor.String(), Roles: []string{"auditor"}})
	h := newHarness(t, f, nil)

	eff, err := h.authz.EffectivePermissions(context.Background(), auditor)
	require.NoError(t, err)
	assert.ElementsMatch(t, seed.AdminPermissions(), eff.Permissions.Names())
	assert.Equal(t, []string{"admin", "auditor"}, eff.Roles)
}

func TestCycleDefense(t *testing.T) {
	f := demoFixture()
	a, b := rbac.RoleID(10), rbac.RoleID(11)
	f.Roles = append(f.Roles,
		rbac.Role{ID: a, Name: "a", IsActive: true, ParentID: &b},
		rbac.Role{ID: b, Name: "b", IsActive: true, ParentID: &a},
	)
	victim := uuid.New()
	f.Principals = append(f.Principals, seed.PrincipalGrant{ID: victim.String(), Roles: []string{"a"}})
	h := newHarness(t, f, nil)

	done := make(chan struct{})
	var allowed bool
	var err error
	go func() {
		allowed, err = h.authz.HasPermission(context.Background(), victim, "dashboard.view")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle resolution did not terminate")
	}
	assert.False(t, allowed)
	assert.ErrorIs(t, err, rbac.ErrCycleDetected)
}

func TestCache_SecondCallSkipsRepository(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	ctx := context.Background()

	first, err := h.authz.HasPermission(ctx, seed.AdminPrincipal, "rbac.matrix.edit")
	require.NoError(t, err)
	calls := h.repo.calls.Load()
	require.NotZero(t, calls)

	second, err := h.authz.HasPermission(ctx, seed.AdminPrincipal, "rbac.matrix.edit")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, h.repo.calls.Load())
}

func TestCache_InvalidateCacheForForcesResolution(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	ctx := context.Background()

	_, err := h.authz.EffectivePermissions(ctx, seed.UserPrincipal)
	require.NoError(t, err)
	calls := h.repo.calls.Load()

	require.NoError(t, h.authz.InvalidateCacheFor(ctx, seed.UserPrincipal))
	_, err = h.authz.EffectivePermissions(ctx, seed.UserPrincipal)
	require.NoError(t, err)
	assert.Greater(t, h.repo.calls.Load(), calls)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	mc := cache.NewMemoryCache(cache.MemoryConfig{Size: 10, TTL: time.Hour, Now: clock})
	h := newHarness(t, demoFixture(), mc)
	ctx := context.Background()

	_, err := h.authz.EffectivePermissions(ctx, seed.UserPrincipal)
	require.NoError(t, err)
	calls := h.repo.calls.Load()

	mu.Lock()
	now = now.Add(rbac.DefaultCacheTTL + time.Second)
	mu.Unlock()

	_, err = h.authz.EffectivePermissions(ctx, seed.UserPrincipal)
	require.NoError(t, err)
	assert.Greater(t, h.repo.calls.Load(), calls)
}

func TestRepositoryFailure_FailsClosed(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	h.repo.fail.Store(true)
	ctx := context.Background()

	allowed, err := h.authz.HasPermission(ctx, superadminPrincipal, "rbac.roles.view")
	assert.False(t, allowed)
	assert.ErrorIs(t, err, rbac.ErrRepositoryUnavailable)

	eff, err := h.authz.EffectivePermissions(ctx, superadminPrincipal)
	assert.Error(t, err)
	assert.False(t, eff.All)

	h.repo.fail.Store(false)
	allowed, err = h.authz.HasPermission(ctx, superadminPrincipal, "rbac.roles.view")
	require.NoError(t, err)
	assert.True(t, allowed, "failed resolutions must not be cached")
}

func TestCacheFailure_TreatedAsMiss(t *testing.T) {
	h := newHarness(t, demoFixture(), failingCache{})

	allowed, err := h.authz.HasPermission(context.Background(), seed.AdminPrincipal, "rbac.roles.view")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestConcurrentChecks(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := seed.AdminPrincipal
			want := true
			if i%2 == 1 {
				p = seed.UserPrincipal
				want = false
			}
			if i%8 == 0 {
				_ = h.authz.InvalidateAll(ctx)
			}
			got, err := h.authz.HasPermission(ctx, p, "rbac.users.assign")
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- errors.New("inconsistent decision")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestHasAnyAndAllPermissions(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	ctx := context.Background()

	ok, err := h.authz.HasAnyPermission(ctx, seed.UserPrincipal, "rbac.roles.view", "profile.view")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.authz.HasAllPermissions(ctx, seed.UserPrincipal, "rbac.roles.view", "profile.view")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.authz.HasAllPermissions(ctx, seed.UserPrincipal, "profile.view", "bad name")
	assert.ErrorIs(t, err, rbac.ErrInvalidPermissionName)
}

func TestWarm_PopulatesCache(t *testing.T) {
	h := newHarness(t, demoFixture(), nil)
	ctx := context.Background()

	failed := h.authz.Warm(ctx, h.mem.Principals())
	assert.Zero(t, failed)
	calls := h.repo.calls.Load()

	_, err := h.authz.EffectivePermissions(ctx, seed.AdminPrincipal)
	require.NoError(t, err)
	assert.Equal(t, calls, h.repo.calls.Load())
}

func TestRecorder_ReceivesDecisions(t *testing.T) {
	mem, err := memory.New(demoFixture())
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	authz := rbac.NewAuthorizer(mem, cache.NewMemoryCache(cache.DefaultMemoryConfig()), rbac.Options{
		Logger:   observability.NewLogger(observability.ErrorLevel, nil),
		Recorder: observability.NewRecorders(metrics),
	})
	ctx := context.Background()

	_, _ = authz.HasPermission(ctx, seed.AdminPrincipal, "rbac.roles.view")
	_, _ = authz.HasPermission(ctx, seed.AdminPrincipal, "dashboard.view")
	_, _ = authz.HasPermission(ctx, seed.AdminPrincipal, "bad name")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues(rbac.OutcomeAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues(rbac.OutcomeDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues(rbac.OutcomeInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal))
}

// gatedRepo holds resolutions inside the repository until release is
// closed. entered is closed when the first resolution arrives.
type gatedRepo struct {
	rbac.Repository
	// afterRead blocks GetRolePermissions after it has read its rows
	// instead of blocking GetAssignedRoles before reading
	afterRead bool
	once      sync.Once
	entered   chan struct{}
	release   chan struct{}
	assigned  atomic.Int64
}

func newGatedRepo(repo rbac.Repository, afterRead bool) *gatedRepo {
	return &gatedRepo{
		Repository: repo,
		afterRead:  afterRead,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedRepo) wait() {
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gatedRepo) GetAssignedRoles(ctx context.Context, p rbac.PrincipalID) ([]rbac.RoleRef, error) {
	g.assigned.Add(1)
	if !g.afterRead {
		g.wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return g.Repository.GetAssignedRoles(ctx, p)
}

func (g *gatedRepo) GetRolePermissions(ctx context.Context, id rbac.RoleID) ([]rbac.PermissionRef, error) {
	perms, err := g.Repository.GetRolePermissions(ctx, id)
	if g.afterRead {
		g.wait()
	}
	return perms, err
}

type decision struct {
	allowed bool
	err     error
}

func checkAsync(ctx context.Context, authz *rbac.Authorizer, p rbac.PrincipalID, name string) <-chan decision {
	out := make(chan decision, 1)
	go func() {
		allowed, err := authz.HasPermission(ctx, p, name)
		out <- decision{allowed, err}
	}()
	return out
}

func TestSharedResolution_OneCallerCancels(t *testing.T) {
	mem, err := memory.New(demoFixture())
	require.NoError(t, err)
	repo := newGatedRepo(mem, false)
	authz := rbac.NewAuthorizer(repo, cache.NewMemoryCache(cache.DefaultMemoryConfig()), rbac.Options{
		Logger: observability.NewLogger(observability.ErrorLevel, nil),
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	first := checkAsync(ctxA, authz, seed.UserPrincipal, "profile.view")
	<-repo.entered

	second := checkAsync(context.Background(), authz, seed.UserPrincipal, "profile.view")
	// let the second caller join the resolution already in flight
	time.Sleep(50 * time.Millisecond)
	cancelA()

	a := <-first
	assert.ErrorIs(t, a.err, rbac.ErrRepositoryUnavailable)
	assert.ErrorIs(t, a.err, context.Canceled)

	close(repo.release)
	b := <-second
	require.NoError(t, b.err)
	assert.True(t, b.allowed)
	assert.Equal(t, int64(1), repo.assigned.Load(), "the second caller shares the first resolution")

	// the shared result was cached for later callers
	allowed, err := authz.HasPermission(context.Background(), seed.UserPrincipal, "profile.view")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), repo.assigned.Load())
}

func TestSharedResolution_InvalidatedWhileInFlight(t *testing.T) {
	f := demoFixture()
	mem, err := memory.New(f)
	require.NoError(t, err)
	repo := newGatedRepo(mem, true)
	authz := rbac.NewAuthorizer(repo, cache.NewMemoryCache(cache.DefaultMemoryConfig()), rbac.Options{
		Logger: observability.NewLogger(observability.ErrorLevel, nil),
	})
	ctx := context.Background()

	before := checkAsync(ctx, authz, seed.UserPrincipal, "profile.edit")
	<-repo.entered

	deleted := time.Now()
	for i := range f.Permissions {
		if f.Permissions[i].Name == "profile.edit" {
			f.Permissions[i].DeletedAt = &deleted
		}
	}
	require.NoError(t, mem.Replace(f))
	require.NoError(t, authz.InvalidateAll(ctx))

	after := checkAsync(ctx, authz, seed.UserPrincipal, "profile.edit")
	time.Sleep(50 * time.Millisecond)
	close(repo.release)

	b := <-before
	require.NoError(t, b.err)
	assert.True(t, b.allowed, "a check that started before the write sees the old data")

	a := <-after
	require.NoError(t, a.err)
	assert.False(t, a.allowed, "a check that started after the invalidation must not reuse the old resolution")

	allowed, err := authz.HasPermission(ctx, seed.UserPrincipal, "profile.edit")
	require.NoError(t, err)
	assert.False(t, allowed, "the old resolution must not be cached")
	assert.Equal(t, int64(2), repo.assigned.Load())
}

func TestEffectivePermissions_ResultIsACopy(t *testing.T) {
	for name, c := range map[string]rbac.DecisionCache{
		"memory cache": cache.NewMemoryCache(cache.DefaultMemoryConfig()),
		"no cache":     rbac.NoopCache{},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, demoFixture(), c)
			ctx := context.Background()

			// once from resolution, once from the cache
			for i := 0; i < 2; i++ {
				eff, err := h.authz.EffectivePermissions(ctx, seed.UserPrincipal)
				require.NoError(t, err)
				eff.Permissions.Add("rbac.matrix.edit")
				eff.Roles[0] = "admin"

				allowed, err := h.authz.HasPermission(ctx, seed.UserPrincipal, "rbac.matrix.edit")
				require.NoError(t, err)
				assert.False(t, allowed)
			}

			eff, err := h.authz.EffectivePermissions(ctx, seed.UserPrincipal)
			require.NoError(t, err)
			assert.Equal(t, []string{seed.RoleUser}, eff.Roles)
		})
	}
}

func TestRecorder_CountsAnyAndAllDecisions(t *testing.T) {
	mem, err := memory.New(demoFixture())
	require.NoError(t, err)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	authz := rbac.NewAuthorizer(mem, nil, rbac.Options{
		Logger:   observability.NewLogger(observability.ErrorLevel, nil),
		Recorder: observability.NewRecorders(metrics),
	})
	ctx := context.Background()

	_, _ = authz.HasAnyPermission(ctx, seed.UserPrincipal, "rbac.roles.view", "profile.view")
	_, _ = authz.HasAllPermissions(ctx, seed.UserPrincipal, "rbac.roles.view", "profile.view")
	_, _ = authz.HasAllPermissions(ctx, seed.UserPrincipal, "profile.view", "bad name")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues(rbac.OutcomeAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues(rbac.OutcomeDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues(rbac.OutcomeInvalid)))
}
