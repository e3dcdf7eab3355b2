package replshard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/jobqueue"
	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/replicaclient"
	"github.com/foonetic/timelined/internal/shard"
	"github.com/foonetic/timelined/internal/store"
	"github.com/foonetic/timelined/internal/trim"
)

func testReplicaShard(t *testing.T, host string) shard.Config {
	t.Helper()
	pool := replicaclient.NewPool(replicaclient.PoolConfig{
		Host: host,
		Size: 1,
		ClientConfig: replicaclient.Config{
			BatchSize:    1,
			BatchTimeout: 5 * time.Millisecond,
			CallTimeout:  200 * time.Millisecond,
		},
	}, zap.NewNop(), metrics.New(t.Name()+"-"+host))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	policy, err := trim.NewPolicy(nil)
	require.NoError(t, err)
	return shard.Config{ReadPool: pool, WritePool: pool, Trim: policy, Logger: zap.NewNop(), Metrics: metrics.New(t.Name() + "-shard-" + host)}
}

func TestReplicatingShardWriteFanoutReachesEveryReplica(t *testing.T) {
	r1 := shard.New(testReplicaShard(t, "r1"))
	r2 := shard.New(testReplicaShard(t, "r2"))

	rs := New(Config{
		Replicas: []ReplicaConfig{
			{Host: "r1", Weight: 1, Shard: r1},
			{Host: "r2", Weight: 1, Shard: r2},
		},
		Logger:  zap.NewNop(),
		Metrics: metrics.New(t.Name()),
	})

	ctx := context.Background()
	require.NoError(t, rs.SetAtomically(ctx, "home:1", []store.Entry{store.Entry("a")}))

	got1, err := r1.Get(ctx, "home:1", 0, 10)
	require.NoError(t, err)
	got2, err := r2.Get(ctx, "home:1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, got1, got2)
}

func TestReplicatingShardGetSkipsReplicasNotAlive(t *testing.T) {
	good := shard.New(testReplicaShard(t, "good"))
	bad := shard.New(testReplicaShard(t, "bad"))

	rs := New(Config{
		Replicas: []ReplicaConfig{
			{Host: "good", Weight: 1, Shard: good, Alive: func() bool { return true }},
			{Host: "bad", Weight: 1, Shard: bad, Alive: func() bool { return false }},
		},
		Logger:  zap.NewNop(),
		Metrics: metrics.New(t.Name()),
	})

	ctx := context.Background()
	require.NoError(t, rs.SetAtomically(ctx, "t", []store.Entry{store.Entry("x")}))

	got, err := rs.Get(ctx, "t", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{store.Entry("x")}, got)
}

func TestReplicatingShardPushEnqueuesRetryJobOnFailure(t *testing.T) {
	good := shard.New(testReplicaShard(t, "good"))

	var enqueued []string
	fakeJobs := &fakeScheduler{onEnqueue: func(host, timeline string, op jobqueue.Op) {
		enqueued = append(enqueued, host+":"+timeline+":"+string(op))
	}}

	gonePool := replicaclient.NewPool(replicaclient.PoolConfig{
		Host: "gone",
		Size: 1,
		ClientConfig: replicaclient.Config{
			BatchSize:    1,
			BatchTimeout: 5 * time.Millisecond,
			CallTimeout:  50 * time.Millisecond,
		},
		NewBackend: func(store.DialOptions) store.Backend { return &failingBackend{} },
	}, zap.NewNop(), metrics.New(t.Name()+"-gone"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gonePool.Shutdown(ctx)
	})

	rs := New(Config{
		Replicas: []ReplicaConfig{
			{Host: "good", Weight: 1, Shard: good},
			{Host: "gone", Weight: 1, Shard: shard.New(shard.Config{
				ReadPool:  gonePool,
				WritePool: gonePool,
			})},
		},
		WriteJobs: fakeJobs,
		Logger:    zap.NewNop(),
		Metrics:   metrics.New(t.Name()),
	})

	ctx := context.Background()
	require.NoError(t, good.SetAtomically(ctx, "t", []store.Entry{store.Entry("seed")}))

	_, err := rs.Push(ctx, "t", store.Entry("e1"))
	require.NoError(t, err, "any-success: one replica failing should not fail the write")

	require.Len(t, enqueued, 1)
	assert.Equal(t, "gone:t:push", enqueued[0])
}

// failingBackend is a store.Backend whose every call fails, standing in
// for a replica that cannot be reached.
type failingBackend struct{}

var errFailingBackend = errors.New("failingBackend: unreachable")

func (b *failingBackend) Exists(ctx context.Context, key string) (bool, error) { return false, errFailingBackend }
func (b *failingBackend) RPush(ctx context.Context, key string, entry store.Entry) (int, error) {
	return 0, errFailingBackend
}
func (b *failingBackend) RPushX(ctx context.Context, key string, entry store.Entry) (int, error) {
	return 0, errFailingBackend
}
func (b *failingBackend) LPushX(ctx context.Context, key string, entry store.Entry) (int, error) {
	return 0, errFailingBackend
}
func (b *failingBackend) LRem(ctx context.Context, key string, entry store.Entry) (int, error) {
	return 0, errFailingBackend
}
func (b *failingBackend) LInsertBefore(ctx context.Context, key string, pivot, entry store.Entry) (bool, error) {
	return false, errFailingBackend
}
func (b *failingBackend) LRange(ctx context.Context, key string, offset, length int) ([]store.Entry, error) {
	return nil, errFailingBackend
}
func (b *failingBackend) LLen(ctx context.Context, key string) (int, error) { return 0, errFailingBackend }
func (b *failingBackend) LTrim(ctx context.Context, key string, size int) error { return errFailingBackend }
func (b *failingBackend) Del(ctx context.Context, key string) (bool, error)     { return false, errFailingBackend }
func (b *failingBackend) Rename(ctx context.Context, src, dst string) error     { return errFailingBackend }
func (b *failingBackend) Keys(ctx context.Context) ([]string, error)           { return nil, errFailingBackend }
func (b *failingBackend) Quit(ctx context.Context) error                       { return nil }
func (b *failingBackend) Heartbeat(ctx context.Context) error                  { return errFailingBackend }

var _ store.Backend = (*failingBackend)(nil)

type fakeScheduler struct {
	onEnqueue func(host, timeline string, op jobqueue.Op)
}

func (f *fakeScheduler) Name() string { return "fake" }
func (f *fakeScheduler) Enqueue(host, timeline string, op jobqueue.Op, entry, oldEntry, newEntry []byte) *jobqueue.Job {
	if f.onEnqueue != nil {
		f.onEnqueue(host, timeline, op)
	}
	return &jobqueue.Job{Host: host, Timeline: timeline, Op: op}
}
func (f *fakeScheduler) Pending() int                    { return 0 }
func (f *fakeScheduler) Stop(timeout time.Duration) error { return nil }

var _ jobqueue.Scheduler = (*fakeScheduler)(nil)
