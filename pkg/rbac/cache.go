package rbac

import (
	"context"
	"time"
)

// DecisionCache memoizes resolved permissions per principal. It is never a
// source of truth: a miss must reproduce what resolution would return.
type DecisionCache interface {
	Get(ctx context.Context, principal PrincipalID) (Effective, bool, error)
	Put(ctx context.Context, principal PrincipalID, result Effective, ttl time.Duration) error
	Invalidate(ctx context.Context, principal PrincipalID) error
	InvalidateAll(ctx context.Context) error
}

// NoopCache disables caching
type NoopCache struct{}

func (NoopCache) Get(context.Context, PrincipalID) (Effective, bool, error) {
	return Effective{}, false, nil
}

func (NoopCache) Put(context.Context, PrincipalID, Effective, time.Duration) error { return nil }

func (NoopCache) Invalidate(context.Context, PrincipalID) error { return nil }

func (NoopCache) InvalidateAll(context.Context) error { return nil }
