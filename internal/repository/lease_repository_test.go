package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaseRepoForTest(t *testing.T) (LeaseRepository, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLeaseRepository(client), mr, client
}

func TestAcquireBlocksConcurrentIngestion(t *testing.T) {
	repo, _, _ := newLeaseRepoForTest(t)
	ctx := context.Background()

	_, ok, err := repo.Acquire(ctx, "doc-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = repo.Acquire(ctx, "doc-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseDeletesOwnLease(t *testing.T) {
	repo, _, client := newLeaseRepoForTest(t)
	ctx := context.Background()

	lease, ok, err := repo.Acquire(ctx, "doc-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.Release(ctx, "doc-1", lease))
	assert.ErrorIs(t, client.Get(ctx, "ingest:lease:doc-1").Err(), redis.Nil)
}

func TestReleaseKeepsLeaseHeldByAnotherIngestion(t *testing.T) {
	repo, mr, client := newLeaseRepoForTest(t)
	ctx := context.Background()

	stale, ok, err := repo.Acquire(ctx, "doc-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// 租约过期后被另一次摄取重新获取
	mr.FastForward(100 * time.Millisecond)
	current, ok, err := repo.Acquire(ctx, "doc-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// 过期持有者的释放不得删掉新持有者的租约
	require.NoError(t, repo.Release(ctx, "doc-1", stale))
	val, err := client.Get(ctx, "ingest:lease:doc-1").Result()
	require.NoError(t, err)
	assert.Equal(t, current, val)
}
