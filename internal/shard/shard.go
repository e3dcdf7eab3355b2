// Package shard implements the single-replica façade (spec.md §4.3): one
// Shard fronts one replica's read pool and write pool, presents the
// store.Capability surface synchronously, and schedules best-effort trims.
// Grounded on the teacher's orchestration-layer shape
// (storage-node/internal/service/storage_service.go): one struct holding a
// handful of collaborators and a logger, building on the layer below it,
// converting its errors at the boundary.
package shard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/replicaclient"
	"github.com/foonetic/timelined/internal/store"
	"github.com/foonetic/timelined/internal/trim"
)

// ClassifyFunc resolves a timeline name to the trim-policy class it
// belongs to. Nil means every timeline uses trim.DefaultClass.
type ClassifyFunc func(timeline string) string

// Config holds a Shard's collaborators. ReadPool and WritePool may be the
// same *replicaclient.Pool when a deployment has no dedicated read
// replicas.
type Config struct {
	ReadPool  *replicaclient.Pool
	WritePool *replicaclient.Pool
	Trim      *trim.Policy
	Classify  ClassifyFunc
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// TrimTimeout bounds the best-effort trim call fired after crossing
	// a class's upper bound.
	TrimTimeout time.Duration
}

// Shard is a single-replica store.Capability implementation.
type Shard struct {
	read     *replicaclient.Pool
	write    *replicaclient.Pool
	trim     *trim.Policy
	classify ClassifyFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics

	trimTimeout time.Duration
}

// New builds a Shard from cfg.
func New(cfg Config) *Shard {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	trimTimeout := cfg.TrimTimeout
	if trimTimeout == 0 {
		trimTimeout = time.Second
	}
	return &Shard{
		read:        cfg.ReadPool,
		write:       cfg.WritePool,
		trim:        cfg.Trim,
		classify:    cfg.Classify,
		logger:      logger,
		metrics:     cfg.Metrics,
		trimTimeout: trimTimeout,
	}
}

func (s *Shard) classFor(timeline string) string {
	if s.classify == nil {
		return trim.DefaultClass
	}
	return s.classify(timeline)
}

type asyncResult struct {
	val interface{}
	err error
}

// waitAsync bridges a Client's callback-style async submission into a
// synchronous call bounded by ctx, for the Capability methods that must
// return a value or error to their caller rather than fire-and-forget.
func waitAsync(ctx context.Context, submit func(callback func(interface{}), errorHandler func(error)) error) (interface{}, error) {
	done := make(chan asyncResult, 1)
	err := submit(
		func(v interface{}) { done <- asyncResult{val: v} },
		func(e error) { done <- asyncResult{err: e} },
	)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Push right-pushes entry onto timeline via the write pool and, when the
// resulting length crosses this timeline's class upper bound, schedules a
// best-effort trim (spec.md §4.5).
func (s *Shard) Push(ctx context.Context, timeline string, entry store.Entry) (int, error) {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return 0, err
	}
	v, err := waitAsync(ctx, func(cb func(interface{}), eb func(error)) error {
		return c.PushAsync(timeline, entry, func(n int) { cb(n) }, eb)
	})
	if err != nil {
		return 0, err
	}
	n := v.(int)
	s.maybeTrim(timeline, n)
	return n, nil
}

// Pop removes every occurrence of entry from timeline via the write pool.
func (s *Shard) Pop(ctx context.Context, timeline string, entry store.Entry) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	_, err = waitAsync(ctx, func(cb func(interface{}), eb func(error)) error {
		return c.PopAsync(timeline, entry, func(n int) { cb(n) }, eb)
	})
	return err
}

// PushAfter inserts newEntry just newer than the nearest-to-tail
// occurrence of oldEntry via the write pool.
func (s *Shard) PushAfter(ctx context.Context, timeline string, oldEntry, newEntry store.Entry) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	_, err = waitAsync(ctx, func(cb func(interface{}), eb func(error)) error {
		return c.PushAfterAsync(timeline, oldEntry, newEntry, func(ok bool) { cb(ok) }, eb)
	})
	return err
}

// Get reads timeline via the read pool.
func (s *Shard) Get(ctx context.Context, timeline string, offset, length int) ([]store.Entry, error) {
	c, err := s.read.CheckoutWithTimeout(ctx)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, timeline, offset, length)
}

// Size reads timeline's length via the read pool.
func (s *Shard) Size(ctx context.Context, timeline string) (int, error) {
	c, err := s.read.CheckoutWithTimeout(ctx)
	if err != nil {
		return 0, err
	}
	return c.Size(ctx, timeline)
}

// Delete removes timeline via the write pool.
func (s *Shard) Delete(ctx context.Context, timeline string) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	return c.Delete(ctx, timeline)
}

// Trim fires a best-effort trim(timeline, size) on the write pool,
// swallowing (and logging) any failure: trim never fails the write that
// triggered it (spec.md §4.5).
func (s *Shard) Trim(ctx context.Context, timeline string, size int) {
	go func() {
		trimCtx, cancel := context.WithTimeout(context.Background(), s.trimTimeout)
		defer cancel()
		c, err := s.write.CheckoutWithTimeout(trimCtx)
		if err != nil {
			s.logger.Warn("trim checkout failed", zap.String("timeline", timeline), zap.Error(err))
			return
		}
		if err := c.Trim(trimCtx, timeline, size); err != nil {
			s.logger.Warn("trim failed", zap.String("timeline", timeline), zap.Error(err))
			return
		}
		s.metrics.RecordTrim(s.classFor(timeline))
	}()
	_ = ctx
}

// maybeTrim schedules Trim when n has crossed the timeline's class upper
// bound.
func (s *Shard) maybeTrim(timeline string, n int) {
	if s.trim == nil {
		return
	}
	if should, target := s.trim.ShouldTrim(s.classFor(timeline), n); should {
		s.Trim(context.Background(), timeline, target)
	}
}

// SetAtomically installs a fresh timeline via the write pool's atomic
// bulk-replace protocol (spec.md §4.4).
func (s *Shard) SetAtomically(ctx context.Context, timeline string, entries []store.Entry) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	return c.SetAtomically(ctx, timeline, entries)
}

// SetLiveStart begins a live copy via the write pool.
func (s *Shard) SetLiveStart(ctx context.Context, timeline string) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	return c.SetLiveStart(ctx, timeline)
}

// SetLive backfills a live copy via the write pool.
func (s *Shard) SetLive(ctx context.Context, timeline string, entries []store.Entry) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	return c.SetLive(ctx, timeline, entries)
}

// MakeKeyList snapshots every timeline name on this replica via the write
// pool (the snapshot itself mutates the reserved %keys timeline).
func (s *Shard) MakeKeyList(ctx context.Context) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	return c.MakeKeyList(ctx)
}

// GetKeys reads the %keys snapshot via the read pool.
func (s *Shard) GetKeys(ctx context.Context, offset, count int) ([]string, error) {
	c, err := s.read.CheckoutWithTimeout(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetKeys(ctx, offset, count)
}

// DeleteKeyList removes the %keys snapshot via the write pool.
func (s *Shard) DeleteKeyList(ctx context.Context) error {
	c, err := s.write.CheckoutWithTimeout(ctx)
	if err != nil {
		return err
	}
	return c.DeleteKeyList(ctx)
}

var _ store.Capability = (*Shard)(nil)
