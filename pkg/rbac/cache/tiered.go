package cache

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Tiered reads through a local cache to a shared one and writes both
type Tiered struct {
	local    rbac.DecisionCache
	shared   rbac.DecisionCache
	localTTL time.Duration
}

// NewTiered chains local in front of shared. Entries copied from shared
// into local live for localTTL.
func NewTiered(local, shared rbac.DecisionCache, localTTL time.Duration) *Tiered {
	if localTTL <= 0 {
		localTTL = 30 * time.Second
	}
	return &Tiered{local: local, shared: shared, localTTL: localTTL}
}

func (t *Tiered) Get(ctx context.Context, principal rbac.PrincipalID) (rbac.Effective, bool, error) {
	if eff, ok, err := t.local.Get(ctx, principal); err == nil && ok {
		return eff, true, nil
	}
	eff, ok, err := t.shared.Get(ctx, principal)
	if err != nil || !ok {
		return eff, ok, err
	}
	_ = t.local.Put(ctx, principal, eff, t.localTTL)
	return eff, true, nil
}

func (t *Tiered) Put(ctx context.Context, principal rbac.PrincipalID, result rbac.Effective, ttl time.Duration) error {
	return errors.Join(
		t.local.Put(ctx, principal, result, ttl),
		t.shared.Put(ctx, principal, result, ttl),
	)
}

func (t *Tiered) Invalidate(ctx context.Context, principal rbac.PrincipalID) error {
	return errors.Join(
		t.local.Invalidate(ctx, principal),
		t.shared.Invalidate(ctx, principal),
	)
}

func (t *Tiered) InvalidateAll(ctx context.Context) error {
	return errors.Join(
		t.local.InvalidateAll(ctx),
		t.shared.InvalidateAll(ctx),
	)
}
