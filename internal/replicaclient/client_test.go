package replicaclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/apperrors"
	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/store"
)

func testClient(t *testing.T, cfg Config) (*Client, *store.MemStore) {
	t.Helper()
	backend := store.NewMemStore(store.DefaultDialOptions("localhost"))
	c := New(cfg, backend, zap.NewNop(), metrics.New(t.Name()), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, backend
}

func smallBatchConfig() Config {
	return Config{
		Host:            "h1",
		PipelineMaxSize: 1000,
		BatchSize:       2,
		BatchTimeout:    10 * time.Millisecond,
		CallTimeout:     50 * time.Millisecond,
		KeysTimeout:     200 * time.Millisecond,
	}
}

func mustWait(t *testing.T, timeout time.Duration, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for callback")
	}
}

func TestPushGetRoundTrip(t *testing.T) {
	c, _ := testClient(t, smallBatchConfig())
	ctx := context.Background()

	require.NoError(t, c.SetAtomically(ctx, "home:42", []store.Entry{
		store.Entry("e3"), store.Entry("e2"), store.Entry("e1"),
	}))

	got, err := c.Get(ctx, "home:42", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, store.Entry("e3"), got[0])
	assert.Equal(t, store.Entry("e2"), got[1])
	assert.Equal(t, store.Entry("e1"), got[2])
}

func TestPushIfExistsDropsOnMissingTimeline(t *testing.T) {
	c, _ := testClient(t, smallBatchConfig())
	done := make(chan struct{})
	var gotLen int
	err := c.PushAsync("no-such-timeline", store.Entry("e1"), func(n int) {
		gotLen = n
		close(done)
	}, func(error) { close(done) })
	require.NoError(t, err)
	mustWait(t, time.Second, done)
	assert.Equal(t, 0, gotLen)
}

func TestPushAfterInsertsBeforeNearestToTail(t *testing.T) {
	c, _ := testClient(t, smallBatchConfig())
	ctx := context.Background()

	require.NoError(t, c.SetAtomically(ctx, "home:42", []store.Entry{
		store.Entry("e3"), store.Entry("e2"), store.Entry("e1"),
	}))

	done := make(chan struct{})
	require.NoError(t, c.PushAfterAsync("home:42", store.Entry("e2"), store.Entry("e2b"), func(bool) { close(done) }, func(error) { close(done) }))
	mustWait(t, time.Second, done)

	got, err := c.Get(ctx, "home:42", 0, 10)
	require.NoError(t, err)
	require.Equal(t, []store.Entry{
		store.Entry("e3"), store.Entry("e2b"), store.Entry("e2"), store.Entry("e1"),
	}, got)
}

func TestPopRemovesAllOccurrences(t *testing.T) {
	c, _ := testClient(t, smallBatchConfig())
	ctx := context.Background()
	require.NoError(t, c.SetAtomically(ctx, "t", []store.Entry{
		store.Entry("a"), store.Entry("b"), store.Entry("a"),
	}))

	done := make(chan struct{})
	require.NoError(t, c.PopAsync("t", store.Entry("a"), func(int) { close(done) }, func(error) { close(done) }))
	mustWait(t, time.Second, done)

	got, err := c.Get(ctx, "t", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{store.Entry("b")}, got)
}

func TestSetLiveStartThenSetLive(t *testing.T) {
	c, _ := testClient(t, smallBatchConfig())
	ctx := context.Background()

	require.NoError(t, c.SetLiveStart(ctx, "home:99"))

	got, err := c.Get(ctx, "home:99", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, store.IsEmptySentinel(got[0]))

	done1, done2 := make(chan struct{}), make(chan struct{})
	require.NoError(t, c.PushAsync("home:99", store.Entry("L1"), func(int) { close(done1) }, func(error) { close(done1) }))
	mustWait(t, time.Second, done1)
	require.NoError(t, c.PushAsync("home:99", store.Entry("L2"), func(int) { close(done2) }, func(error) { close(done2) }))
	mustWait(t, time.Second, done2)

	require.NoError(t, c.SetLive(ctx, "home:99", []store.Entry{store.Entry("H1"), store.Entry("H2")}))

	got, err = c.Get(ctx, "home:99", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, store.Entry("L2"), got[0])
	assert.Equal(t, store.Entry("L1"), got[1])
	assert.True(t, store.IsEmptySentinel(got[2]))
	assert.Equal(t, store.Entry("H1"), got[3])
	assert.Equal(t, store.Entry("H2"), got[4])
}

func TestSetLiveIsNoOpWithoutSentinel(t *testing.T) {
	c, _ := testClient(t, smallBatchConfig())
	ctx := context.Background()

	require.NoError(t, c.SetLive(ctx, "never-started", []store.Entry{store.Entry("x")}))
	got, err := c.Get(ctx, "never-started", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPipelineFIFOCallbackOrder(t *testing.T) {
	c, _ := testClient(t, smallBatchConfig())
	ctx := context.Background()
	require.NoError(t, c.SetAtomically(ctx, "t", []store.Entry{store.Entry("x")}))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		idx := i
		require.NoError(t, c.PushAsync("t", store.Entry("x"), func(int) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			wg.Done()
		}, func(error) { wg.Done() }))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v, "callbacks must fire in submission order")
	}
}

func TestBackpressureOverloaded(t *testing.T) {
	cfg := smallBatchConfig()
	cfg.PipelineMaxSize = 2
	// Block the worker so nothing drains: batchTimeout huge and no
	// staging drain opportunity is hard to force deterministically, so
	// instead we saturate with more submissions than pipelineMaxSize in
	// a tight loop and assert at least one Overloaded fires.
	c, _ := testClient(t, cfg)

	var mu sync.Mutex
	var sawOverloaded bool
	for i := 0; i < 50; i++ {
		err := c.PushAsync("t", store.Entry("x"), func(int) {}, func(err error) {
			if apperrors.KindOf(err) == apperrors.KindOverloaded {
				mu.Lock()
				sawOverloaded = true
				mu.Unlock()
			}
		})
		if err != nil && apperrors.KindOf(err) == apperrors.KindOverloaded {
			mu.Lock()
			sawOverloaded = true
			mu.Unlock()
		}
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawOverloaded, "expected at least one Overloaded submission under saturation")
}
