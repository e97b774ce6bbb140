package rbac

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultFanout bounds concurrent role permission lookups per resolution
const DefaultFanout = 8

// Aggregator unions direct and role-derived grants of a principal
type Aggregator struct {
	repo   Repository
	fanout int
}

// NewAggregator creates an aggregator. A non-positive fanout selects
// DefaultFanout.
func NewAggregator(repo Repository, fanout int) *Aggregator {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	return &Aggregator{repo: repo, fanout: fanout}
}

// Aggregate returns the usable permission names granted to the principal
// directly or through any role in roles. The first lookup failure aborts
// the whole aggregation.
func (a *Aggregator) Aggregate(ctx context.Context, principal PrincipalID, roles RoleSet) (PermissionSet, error) {
	direct, err := a.repo.GetDirectPermissions(ctx, principal)
	if err != nil {
		return nil, unavailable("get direct permissions", err)
	}

	set := make(PermissionSet, len(direct))
	set.addUsable(direct)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fanout)

	for _, id := range roles.IDs() {
		g.Go(func() error {
			perms, err := a.repo.GetRolePermissions(gctx, id)
			if err != nil {
				return unavailable("get role permissions", err)
			}
			mu.Lock()
			set.addUsable(perms)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}
