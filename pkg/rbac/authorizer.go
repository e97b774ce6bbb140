package rbac

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/entitle/pkg/async"
	"github.com/platinummonkey/entitle/pkg/observability"
)

const tracerName = "github.com/platinummonkey/entitle/pkg/rbac"

// DefaultCacheTTL is how long a resolved principal stays cached
const DefaultCacheTTL = 5 * time.Minute

// DefaultResolveTimeout bounds one shared resolution
const DefaultResolveTimeout = 30 * time.Second

// Options tunes an Authorizer. Zero values select defaults.
type Options struct {
	CacheTTL time.Duration
	// ResolveTimeout bounds a resolution shared by concurrent callers
	ResolveTimeout time.Duration
	MaxDepth       int
	Fanout         int
	WarmFanout     int
	Logger         *observability.Logger
	Recorder       Recorder
	Tracer         trace.Tracer
	Now            func() time.Time
}

// Authorizer is the entry point for permission decisions. It is safe for
// concurrent use.
type Authorizer struct {
	repo           Repository
	closure        *ClosureResolver
	aggregator     *Aggregator
	cache          DecisionCache
	ttl            time.Duration
	resolveTimeout time.Duration
	warmFanout     int
	logger         *observability.Logger
	recorder       Recorder
	tracer         trace.Tracer
	now            func() time.Time

	flight singleflight.Group
	// bumped by every invalidation; results resolved across a bump are not cached
	epoch atomic.Uint64
}

// NewAuthorizer creates an authorizer over repo. A nil cache disables
// caching.
func NewAuthorizer(repo Repository, cache DecisionCache, opts Options) *Authorizer {
	if cache == nil {
		cache = NoopCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	if opts.WarmFanout <= 0 {
		opts.WarmFanout = 4
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Authorizer{
		repo:           repo,
		closure:        NewClosureResolver(repo, opts.MaxDepth),
		aggregator:     NewAggregator(repo, opts.Fanout),
		cache:          cache,
		ttl:            opts.CacheTTL,
		resolveTimeout: opts.ResolveTimeout,
		warmFanout:     opts.WarmFanout,
		logger:         opts.Logger.WithField("component", "authorizer"),
		recorder:       opts.Recorder,
		tracer:         opts.Tracer,
		now:            opts.Now,
	}
}

// HasPermission reports whether the principal holds the named permission.
// A malformed name fails with ErrInvalidPermissionName before any lookup.
// When resolution fails the result is false together with the error.
func (a *Authorizer) HasPermission(ctx context.Context, principal PrincipalID, name string) (bool, error) {
	return a.decide(ctx, "rbac.HasPermission", principal, []string{name}, func(eff Effective) bool {
		return eff.Allows(name)
	})
}

// HasAnyPermission reports whether the principal holds at least one of names
func (a *Authorizer) HasAnyPermission(ctx context.Context, principal PrincipalID, names ...string) (bool, error) {
	return a.decide(ctx, "rbac.HasAnyPermission", principal, names, func(eff Effective) bool {
		for _, name := range names {
			if eff.Allows(name) {
				return true
			}
		}
		return false
	})
}

// HasAllPermissions reports whether the principal holds every one of names
func (a *Authorizer) HasAllPermissions(ctx context.Context, principal PrincipalID, names ...string) (bool, error) {
	return a.decide(ctx, "rbac.HasAllPermissions", principal, names, func(eff Effective) bool {
		for _, name := range names {
			if !eff.Allows(name) {
				return false
			}
		}
		return true
	})
}

// decide validates names, resolves the principal and records the outcome
func (a *Authorizer) decide(ctx context.Context, spanName string, principal PrincipalID, names []string, match func(Effective) bool) (bool, error) {
	ctx, span := a.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("rbac.principal", principal.String()),
		attribute.StringSlice("rbac.permissions", names),
	))
	defer span.End()

	for _, name := range names {
		if err := ValidatePermissionName(name); err != nil {
			a.recorder.RecordDecision(ctx, OutcomeInvalid)
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}
	}

	eff, err := a.EffectivePermissions(ctx, principal)
	if err != nil {
		a.recorder.RecordDecision(ctx, OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	allowed := match(eff)
	span.SetAttributes(attribute.Bool("rbac.allowed", allowed), attribute.Bool("rbac.bypass", eff.All))
	if allowed {
		a.recorder.RecordDecision(ctx, OutcomeAllowed)
	} else {
		a.recorder.RecordDecision(ctx, OutcomeDenied)
	}
	return allowed, nil
}

// EffectivePermissions returns the principal's resolved permissions, from
// cache when possible. Bypassed principals get a result with All set. The
// result is the caller's own copy.
func (a *Authorizer) EffectivePermissions(ctx context.Context, principal PrincipalID) (Effective, error) {
	// loaded before the cache read so an invalidation in between starts a
	// new resolution
	epoch := a.epoch.Load()

	cached, found, err := a.cache.Get(ctx, principal)
	switch {
	case err != nil:
		a.recorder.RecordCacheError(ctx, "get")
		a.logger.WithError(err).WithField("principal_id", principal.String()).Warn("decision cache read failed, resolving")
	case found:
		a.recorder.RecordCacheLookup(ctx, true)
		return cached.Clone(), nil
	default:
		a.recorder.RecordCacheLookup(ctx, false)
	}

	// callers only share a resolution that started in the same epoch
	key := strconv.FormatUint(epoch, 10) + ":" + principal.String()
	ch := a.flight.DoChan(key, func() (interface{}, error) {
		// the resolution outlives whichever caller started it
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.resolveTimeout)
		defer cancel()

		eff, err := a.Resolve(rctx, principal)
		if err != nil {
			return nil, err
		}
		a.store(rctx, principal, eff, epoch)
		return eff, nil
	})

	select {
	case <-ctx.Done():
		return Effective{}, unavailable("resolve", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Effective{}, res.Err
		}
		return res.Val.(Effective).Clone(), nil
	}
}

// store caches eff unless an invalidation happened since epoch was read
func (a *Authorizer) store(ctx context.Context, principal PrincipalID, eff Effective, epoch uint64) {
	if a.epoch.Load() != epoch {
		return
	}
	if err := a.cache.Put(ctx, principal, eff, a.ttl); err != nil {
		a.recorder.RecordCacheError(ctx, "put")
		a.logger.WithError(err).WithField("principal_id", principal.String()).Warn("decision cache write failed")
		return
	}
	// an invalidation may have purged the cache between the check and the put
	if a.epoch.Load() != epoch {
		if err := a.cache.Invalidate(ctx, principal); err != nil {
			a.recorder.RecordCacheError(ctx, "invalidate")
		}
	}
}

// Resolve computes the principal's permissions from the repository,
// bypassing the cache
func (a *Authorizer) Resolve(ctx context.Context, principal PrincipalID) (Effective, error) {
	ctx, span := a.tracer.Start(ctx, "rbac.resolve", trace.WithAttributes(
		attribute.String("rbac.principal", principal.String()),
	))
	defer span.End()

	start := a.now()
	eff, err := a.resolve(ctx, principal)
	a.recorder.RecordResolution(ctx, a.now().Sub(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log := a.logger.WithError(err).WithField("principal_id", principal.String())
		if errors.Is(err, ErrCycleDetected) {
			log.Error("role hierarchy cycle detected, denying principal")
		} else {
			log.Warn("permission resolution failed, denying principal")
		}
		return Effective{}, err
	}
	return eff, nil
}

func (a *Authorizer) resolve(ctx context.Context, principal PrincipalID) (Effective, error) {
	assigned, err := a.repo.GetAssignedRoles(ctx, principal)
	if err != nil {
		return Effective{}, unavailable("get assigned roles", err)
	}

	roles, err := a.closure.CloseAssigned(ctx, assigned)
	if err != nil {
		return Effective{}, err
	}

	if IsBypassed(roles) {
		return AllPermissions(roles.Names(), a.now()), nil
	}

	perms, err := a.aggregator.Aggregate(ctx, principal, roles)
	if err != nil {
		return Effective{}, err
	}

	return Effective{
		Permissions: perms,
		Roles:       roles.Names(),
		ResolvedAt:  a.now(),
	}, nil
}

// InvalidateCacheFor drops the cached result of one principal. Call it
// after any write touching that principal's assignments.
func (a *Authorizer) InvalidateCacheFor(ctx context.Context, principal PrincipalID) error {
	a.epoch.Add(1)
	a.recorder.RecordInvalidation(ctx, "principal")
	if err := a.cache.Invalidate(ctx, principal); err != nil {
		a.recorder.RecordCacheError(ctx, "invalidate")
		return err
	}
	return nil
}

// InvalidateAll drops every cached result. Call it after writes to roles,
// permissions or role permission rows.
func (a *Authorizer) InvalidateAll(ctx context.Context) error {
	a.epoch.Add(1)
	a.recorder.RecordInvalidation(ctx, "all")
	if err := a.cache.InvalidateAll(ctx); err != nil {
		a.recorder.RecordCacheError(ctx, "invalidate_all")
		return err
	}
	return nil
}

// Warm resolves and caches the given principals, returning how many
// failed. Failures are logged.
func (a *Authorizer) Warm(ctx context.Context, principals []PrincipalID) int {
	errs := async.Batch(ctx, principals, a.warmFanout, "rbac cache warmup", 30*time.Second,
		func(ctx context.Context, p PrincipalID) error {
			_, err := a.EffectivePermissions(ctx, p)
			return err
		})
	for _, err := range errs {
		a.logger.WithError(err).Warn("cache warmup failed for principal")
	}
	return len(errs)
}
