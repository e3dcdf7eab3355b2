package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/metrics"
)

func TestSchedulerReplaysUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	run := func(ctx context.Context, job *Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	s := NewMemScheduler("write", Write, PriorityConfig{Threads: 2, ErrorLimit: 10, ErrorRetryDelay: time.Hour}, run, nil, zap.NewNop(), metrics.New(t.Name()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	s.Enqueue("host1", "home:1", OpPush, []byte("e1"), nil, nil)
	require.Equal(t, 1, s.Pending())

	s.ReplayNow()
	assert.Equal(t, 1, s.Pending(), "should still be pending after a failed attempt")
	s.ReplayNow()
	assert.Equal(t, 1, s.Pending())
	s.ReplayNow()
	assert.Equal(t, 0, s.Pending(), "should be removed after the third attempt succeeds")
}

func TestSchedulerDivertsToBadJobsAfterErrorLimit(t *testing.T) {
	run := func(ctx context.Context, job *Job) error {
		return errors.New("permanent failure")
	}
	var buf bytes.Buffer
	logger := NewJSONJobLogger(&buf)

	s := NewMemScheduler("copy", Copy, PriorityConfig{Threads: 1, ErrorLimit: 3, ErrorRetryDelay: time.Hour}, run, logger, zap.NewNop(), metrics.New(t.Name()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	s.Enqueue("host1", "home:2", OpDelete, nil, nil, nil)
	for i := 0; i < 3; i++ {
		s.ReplayNow()
	}

	assert.Equal(t, 0, s.Pending())

	var rec BadJobRecord
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "home:2", rec.Job.Timeline)
	assert.Equal(t, "permanent failure", rec.FinalErr)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := NewMemScheduler("multi", MultiPush, DefaultPriorityConfig(MultiPush), func(ctx context.Context, job *Job) error { return nil }, nil, zap.NewNop(), metrics.New(t.Name()))
	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))
}
