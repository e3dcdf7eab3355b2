package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/replicaclient"
	"github.com/foonetic/timelined/internal/store"
	"github.com/foonetic/timelined/internal/trim"
)

func testShard(t *testing.T, bounds trim.Bounds) *Shard {
	t.Helper()
	pool := replicaclient.NewPool(replicaclient.PoolConfig{
		Host: "shard-host",
		Size: 1,
		ClientConfig: replicaclient.Config{
			BatchSize:    1,
			BatchTimeout: 5 * time.Millisecond,
			CallTimeout:  200 * time.Millisecond,
		},
	}, zap.NewNop(), metrics.New(t.Name()+"-pool"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	policy, err := trim.NewPolicy(map[string]trim.Bounds{trim.DefaultClass: bounds})
	require.NoError(t, err)

	return New(Config{
		ReadPool:    pool,
		WritePool:   pool,
		Trim:        policy,
		Logger:      zap.NewNop(),
		Metrics:     metrics.New(t.Name()),
		TrimTimeout: 200 * time.Millisecond,
	})
}

func TestShardSetAtomicallyThenGet(t *testing.T) {
	s := testShard(t, trim.Bounds{Lower: 800, Upper: 850})
	ctx := context.Background()

	require.NoError(t, s.SetAtomically(ctx, "home:1", []store.Entry{
		store.Entry("e3"), store.Entry("e2"), store.Entry("e1"),
	}))

	got, err := s.Get(ctx, "home:1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{store.Entry("e3"), store.Entry("e2"), store.Entry("e1")}, got)
}

func TestShardPushTriggersTrimAtUpperBound(t *testing.T) {
	s := testShard(t, trim.Bounds{Lower: 2, Upper: 3})
	ctx := context.Background()

	require.NoError(t, s.SetAtomically(ctx, "t", []store.Entry{store.Entry("e1")}))
	for i := 0; i < 3; i++ {
		_, err := s.Push(ctx, "t", store.Entry("more"))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		n, err := s.Size(ctx, "t")
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond, "size should settle at the lower bound after trim")
}

func TestShardPopAndDelete(t *testing.T) {
	s := testShard(t, trim.Bounds{Lower: 800, Upper: 850})
	ctx := context.Background()

	require.NoError(t, s.SetAtomically(ctx, "t", []store.Entry{store.Entry("a"), store.Entry("b")}))
	require.NoError(t, s.Pop(ctx, "t", store.Entry("a")))

	got, err := s.Get(ctx, "t", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{store.Entry("b")}, got)

	require.NoError(t, s.Delete(ctx, "t"))
	n, err := s.Size(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestShardKeyListSnapshot(t *testing.T) {
	s := testShard(t, trim.Bounds{Lower: 800, Upper: 850})
	ctx := context.Background()

	require.NoError(t, s.SetAtomically(ctx, "a", []store.Entry{store.Entry("x")}))
	require.NoError(t, s.SetAtomically(ctx, "b", []store.Entry{store.Entry("y")}))
	require.NoError(t, s.MakeKeyList(ctx))

	keys, err := s.GetKeys(ctx, 0, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, s.DeleteKeyList(ctx))
}
