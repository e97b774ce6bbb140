package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/rbac"
)

type brokenCache struct{}

func (brokenCache) Get(context.Context, rbac.PrincipalID) (rbac.Effective, bool, error) {
	return rbac.Effective{}, false, errors.New("down")
}
func (brokenCache) Put(context.Context, rbac.PrincipalID, rbac.Effective, time.Duration) error {
	return errors.New("down")
}
func (brokenCache) Invalidate(context.Context, rbac.PrincipalID) error { return errors.New("down") }
func (brokenCache) InvalidateAll(context.Context) error                { return errors.New("down") }

func TestTiered_ReadsThroughAndPopulatesLocal(t *testing.T) {
	_, shared := setupRedis(t)
	local := NewMemoryCache(DefaultMemoryConfig())
	tiered := NewTiered(local, shared, 0)
	ctx := context.Background()
	p := uuid.New()

	require.NoError(t, shared.Put(ctx, p, sampleResult("a.b"), time.Minute))

	got, ok, err := tiered.Get(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Allows("a.b"))

	_, ok, _ = local.Get(ctx, p)
	assert.True(t, ok)
}

func TestTiered_InvalidateClearsBoth(t *testing.T) {
	_, shared := setupRedis(t)
	local := NewMemoryCache(DefaultMemoryConfig())
	tiered := NewTiered(local, shared, time.Second)
	ctx := context.Background()
	p := uuid.New()

	require.NoError(t, tiered.Put(ctx, p, sampleResult("a.b"), time.Minute))
	require.NoError(t, tiered.Invalidate(ctx, p))

	_, ok, _ := local.Get(ctx, p)
	assert.False(t, ok)
	_, ok, _ = shared.Get(ctx, p)
	assert.False(t, ok)

	require.NoError(t, tiered.Put(ctx, p, sampleResult("a.b"), time.Minute))
	require.NoError(t, tiered.InvalidateAll(ctx))
	_, ok, _ = tiered.Get(ctx, p)
	assert.False(t, ok)
}

func TestTiered_SharedFailureSurfaces(t *testing.T) {
	local := NewMemoryCache(DefaultMemoryConfig())
	tiered := NewTiered(local, brokenCache{}, time.Second)
	ctx := context.Background()
	p := uuid.New()

	_, ok, err := tiered.Get(ctx, p)
	assert.Error(t, err)
	assert.False(t, ok)

	err = tiered.Put(ctx, p, sampleResult("a.b"), time.Minute)
	assert.Error(t, err)
	_, ok, _ = local.Get(ctx, p)
	assert.True(t, ok, "local tier is still written")
}
