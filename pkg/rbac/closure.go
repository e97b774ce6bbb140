package rbac

import (
	"context"
	"errors"
	"slices"
)

// DefaultMaxDepth bounds how many roles a single ancestor chain may hold
const DefaultMaxDepth = 32

// ClosureResolver expands assigned roles into the set of roles they
// inherit from through parent links. A descendant inherits the grants of
// every usable ancestor.
type ClosureResolver struct {
	repo     Repository
	maxDepth int
}

// NewClosureResolver creates a resolver. A non-positive maxDepth selects
// DefaultMaxDepth.
func NewClosureResolver(repo Repository, maxDepth int) *ClosureResolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &ClosureResolver{repo: repo, maxDepth: maxDepth}
}

// Close loads the given roles and returns their closure
func (c *ClosureResolver) Close(ctx context.Context, ids []RoleID) (RoleSet, error) {
	refs := make([]RoleRef, 0, len(ids))
	for _, id := range ids {
		ref, err := c.repo.GetRoleByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable("get role", err)
		}
		refs = append(refs, ref)
	}
	return c.CloseAssigned(ctx, refs)
}

// walk is one ancestor chain being followed breadth-first
type walk struct {
	head  RoleRef
	chain []RoleID
}

// CloseAssigned returns the usable roles among assigned plus every usable
// ancestor reachable from them. Unusable roles are neither included nor
// expanded, so an inactive role hides the ancestors above it. A parent the
// repository reports missing ends the chain. A chain that revisits one of
// its own roles, or grows beyond the depth limit, fails with a CycleError.
func (c *ClosureResolver) CloseAssigned(ctx context.Context, assigned []RoleRef) (RoleSet, error) {
	closed := make(RoleSet, len(assigned))
	// roles whose ancestry is known to end cleanly, or that must not be entered
	settled := make(map[RoleID]bool)

	queue := make([]walk, 0, len(assigned))
	for _, ref := range assigned {
		if !ref.Usable() {
			continue
		}
		if _, dup := closed[ref.ID]; dup {
			continue
		}
		closed[ref.ID] = ref
		queue = append(queue, walk{head: ref, chain: []RoleID{ref.ID}})
	}

	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		if err := ctx.Err(); err != nil {
			return nil, unavailable("close roles", err)
		}

		parentID := w.head.ParentID
		if parentID == nil || settled[*parentID] {
			settle(settled, w.chain)
			continue
		}
		if slices.Contains(w.chain, *parentID) {
			return nil, &CycleError{RoleID: *parentID, Depth: len(w.chain)}
		}
		if len(w.chain) >= c.maxDepth {
			return nil, &CycleError{RoleID: *parentID, Depth: len(w.chain)}
		}

		parent, ok := closed[*parentID]
		if !ok {
			fetched, err := c.repo.GetRoleByID(ctx, *parentID)
			if errors.Is(err, ErrNotFound) {
				settled[*parentID] = true
				settle(settled, w.chain)
				continue
			}
			if err != nil {
				return nil, unavailable("get parent role", err)
			}
			if !fetched.Usable() {
				settled[fetched.ID] = true
				settle(settled, w.chain)
				continue
			}
			parent = fetched
			closed[parent.ID] = parent
		}

		queue = append(queue, walk{
			head:  parent,
			chain: append(slices.Clone(w.chain), parent.ID),
		})
	}

	return closed, nil
}

func settle(settled map[RoleID]bool, chain []RoleID) {
	for _, id := range chain {
		settled[id] = true
	}
}
