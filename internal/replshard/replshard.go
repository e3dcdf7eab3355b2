// Package replshard implements the Replicating Shard (spec.md §4.4):
// write fan-out across every replica with any-success semantics,
// retryable job enqueue on a per-replica write failure, atomic bulk
// replace, the live-copy protocol, and weighted/alive read-replica
// selection. It satisfies the same store.Capability surface a
// single-replica shard.Shard does (spec.md §9 "Polymorphism over
// replicas").
package replshard

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/apperrors"
	"github.com/foonetic/timelined/internal/jobqueue"
	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/shard"
	"github.com/foonetic/timelined/internal/store"
)

// ReplicaWeight is one replica's read-selection weight (spec.md §4.4
// "weight-proportional random selection").
type ReplicaWeight struct {
	Host   string
	Weight int
}

// ReplicaConfig wires one replica's Shard facade plus the metadata the
// Replicating Shard needs to fan out to and select among it.
type ReplicaConfig struct {
	Host   string
	Weight int
	Shard  *shard.Shard
	// Alive reports whether this replica should currently be considered
	// for read selection; nil means always alive. Write fan-out does not
	// consult it: writes go to every replica.
	Alive func() bool
}

// Config holds a ReplicatingShard's collaborators.
type Config struct {
	Replicas []ReplicaConfig
	// WriteJobs retries push/pop/pushAfter/delete failures per spec.md
	// §4.4's idempotent-retry set. May be nil to disable retry enqueue.
	WriteJobs jobqueue.Scheduler
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type replica struct {
	host   string
	weight int
	shard  *shard.Shard
	alive  func() bool
}

func (r *replica) isAlive() bool {
	if r.alive == nil {
		return true
	}
	return r.alive()
}

// quorumCalculator mirrors the teacher's QuorumCalculator
// (coordinator/internal/algorithm/quorum.go) in its "one" consistency
// mode: spec.md §4.4 specifies any-success for writes, not majority, so
// required is always 1 regardless of replica count.
type quorumCalculator struct{}

func (quorumCalculator) required(int) int { return 1 }

func (quorumCalculator) reached(successCount int) bool {
	return successCount >= quorumCalculator{}.required(0)
}

// ReplicatingShard fans writes out to every configured replica and
// selects among alive replicas for reads.
type ReplicatingShard struct {
	replicas []*replica
	jobs     jobqueue.Scheduler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	quorum   quorumCalculator
}

// New builds a ReplicatingShard from cfg.
func New(cfg Config) *ReplicatingShard {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reps := make([]*replica, 0, len(cfg.Replicas))
	for _, rc := range cfg.Replicas {
		weight := rc.Weight
		if weight <= 0 {
			weight = 1
		}
		reps = append(reps, &replica{host: rc.Host, weight: weight, shard: rc.Shard, alive: rc.Alive})
	}
	return &ReplicatingShard{
		replicas: reps,
		jobs:     cfg.WriteJobs,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

// fanoutResult is one replica's outcome from a write fan-out round.
type fanoutResult struct {
	host string
	err  error
}

// fanoutWrite runs call against every replica concurrently and enforces
// any-success semantics (spec.md §4.4: success iff at least one replica
// succeeded). When every replica fails, it returns the Overloaded error if
// any replica reported one, and otherwise every replica's error combined
// with multierr. enqueue,
// when non-nil, is invoked once per failed replica so the caller can
// schedule a retry job for idempotent ops.
func (r *ReplicatingShard) fanoutWrite(ctx context.Context, opName string, call func(ctx context.Context, sh *shard.Shard) error, enqueue func(host string, cause error)) error {
	results := make(chan fanoutResult, len(r.replicas))
	var wg sync.WaitGroup
	for _, rep := range r.replicas {
		rep := rep
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- fanoutResult{host: rep.host, err: call(ctx, rep.shard)}
		}()
	}
	wg.Wait()
	close(results)

	successCount := 0
	var errs error
	var overloaded error
	for res := range results {
		if res.err == nil {
			successCount++
			r.metrics.RecordWriteFanout(opName, "ok")
			continue
		}
		r.metrics.RecordWriteFanout(opName, "error")
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", res.host, res.err))

		// Overloaded is surfaced to the caller as backpressure, not
		// queued as a retryable job (spec.md §7): retrying immediately
		// behind a full pipeline would not help.
		if apperrors.KindOf(res.err) == apperrors.KindOverloaded {
			overloaded = res.err
			continue
		}
		if enqueue != nil {
			enqueue(res.host, res.err)
		}
	}

	if r.quorum.reached(successCount) {
		return nil
	}
	if overloaded != nil {
		return overloaded
	}
	return errs
}

// Push right-pushes entry to every replica; the length returned is from
// whichever replica's push is the first to succeed.
func (r *ReplicatingShard) Push(ctx context.Context, timeline string, entry store.Entry) (int, error) {
	var mu sync.Mutex
	var length int
	var haveLength bool
	err := r.fanoutWrite(ctx, "push", func(ctx context.Context, sh *shard.Shard) error {
		n, err := sh.Push(ctx, timeline, entry)
		if err == nil {
			mu.Lock()
			if !haveLength {
				length, haveLength = n, true
			}
			mu.Unlock()
		}
		return err
	}, func(host string, cause error) {
		if r.jobs != nil {
			r.jobs.Enqueue(host, timeline, jobqueue.OpPush, entry, nil, nil)
		}
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

// Pop removes entry from every replica.
func (r *ReplicatingShard) Pop(ctx context.Context, timeline string, entry store.Entry) error {
	return r.fanoutWrite(ctx, "pop", func(ctx context.Context, sh *shard.Shard) error {
		return sh.Pop(ctx, timeline, entry)
	}, func(host string, cause error) {
		if r.jobs != nil {
			r.jobs.Enqueue(host, timeline, jobqueue.OpPop, entry, nil, nil)
		}
	})
}

// PushAfter inserts newEntry after oldEntry on every replica.
func (r *ReplicatingShard) PushAfter(ctx context.Context, timeline string, oldEntry, newEntry store.Entry) error {
	return r.fanoutWrite(ctx, "pushAfter", func(ctx context.Context, sh *shard.Shard) error {
		return sh.PushAfter(ctx, timeline, oldEntry, newEntry)
	}, func(host string, cause error) {
		if r.jobs != nil {
			r.jobs.Enqueue(host, timeline, jobqueue.OpPushAfter, nil, oldEntry, newEntry)
		}
	})
}

// Delete removes timeline from every replica.
func (r *ReplicatingShard) Delete(ctx context.Context, timeline string) error {
	return r.fanoutWrite(ctx, "delete", func(ctx context.Context, sh *shard.Shard) error {
		return sh.Delete(ctx, timeline)
	}, func(host string, cause error) {
		if r.jobs != nil {
			r.jobs.Enqueue(host, timeline, jobqueue.OpDelete, nil, nil, nil)
		}
	})
}

// Trim fires a best-effort trim on every replica; each Shard already
// treats trim as fire-and-forget (spec.md §4.5), so no retry-job path
// applies here.
func (r *ReplicatingShard) Trim(ctx context.Context, timeline string, size int) {
	for _, rep := range r.replicas {
		rep.shard.Trim(ctx, timeline, size)
	}
}

// SetAtomically installs entries on every replica with any-success
// semantics. Atomic bulk replace is not in spec.md §4.4's idempotent
// retry set, so a per-replica failure here is not queued as a retry job;
// a torn replica is left to the next full SetAtomically or to the
// live-copy path to repair.
func (r *ReplicatingShard) SetAtomically(ctx context.Context, timeline string, entries []store.Entry) error {
	return r.fanoutWrite(ctx, "setAtomically", func(ctx context.Context, sh *shard.Shard) error {
		return sh.SetAtomically(ctx, timeline, entries)
	}, nil)
}

// SetLiveStart begins a live copy on every replica.
func (r *ReplicatingShard) SetLiveStart(ctx context.Context, timeline string) error {
	return r.fanoutWrite(ctx, "setLiveStart", func(ctx context.Context, sh *shard.Shard) error {
		return sh.SetLiveStart(ctx, timeline)
	}, nil)
}

// SetLive backfills a live copy on every replica.
func (r *ReplicatingShard) SetLive(ctx context.Context, timeline string, entries []store.Entry) error {
	return r.fanoutWrite(ctx, "setLive", func(ctx context.Context, sh *shard.Shard) error {
		return sh.SetLive(ctx, timeline, entries)
	}, nil)
}

// MakeKeyList snapshots every replica's key list.
func (r *ReplicatingShard) MakeKeyList(ctx context.Context) error {
	return r.fanoutWrite(ctx, "makeKeyList", func(ctx context.Context, sh *shard.Shard) error {
		return sh.MakeKeyList(ctx)
	}, nil)
}

// DeleteKeyList removes the %keys snapshot from every replica.
func (r *ReplicatingShard) DeleteKeyList(ctx context.Context) error {
	return r.fanoutWrite(ctx, "deleteKeyList", func(ctx context.Context, sh *shard.Shard) error {
		return sh.DeleteKeyList(ctx)
	}, nil)
}

// readOrder returns alive replicas ordered by weight-proportional random
// selection without replacement (spec.md §4.4 "Read replica selection"),
// so a caller trying replicas in this order exhausts alive replicas
// before giving up.
func (r *ReplicatingShard) readOrder() []*replica {
	alive := make([]*replica, 0, len(r.replicas))
	totalWeight := 0
	for _, rep := range r.replicas {
		if rep.isAlive() {
			alive = append(alive, rep)
			totalWeight += rep.weight
		}
	}

	order := make([]*replica, 0, len(alive))
	for len(alive) > 0 {
		pick := rand.Intn(totalWeight)
		cum := 0
		for i, rep := range alive {
			cum += rep.weight
			if pick < cum {
				order = append(order, rep)
				totalWeight -= rep.weight
				alive = append(alive[:i], alive[i+1:]...)
				break
			}
		}
	}
	return order
}

// tryReplicas runs call against replicas in weighted-random order, trying
// the next on error and surfacing a failure only when all have failed.
func tryReplicas[T any](r *ReplicatingShard, op string, call func(ctx context.Context, sh *shard.Shard) (T, error)) (T, error) {
	var zero T
	order := r.readOrder()
	if len(order) == 0 {
		return zero, fmt.Errorf("replshard: no alive read replicas")
	}

	var lastErr error
	for _, rep := range order {
		v, err := call(nil, rep.shard)
		if err == nil {
			r.metrics.RecordReadReplicaSelection(rep.host, "ok")
			return v, nil
		}
		r.metrics.RecordReadReplicaSelection(rep.host, "error")
		lastErr = err
	}
	return zero, lastErr
}

// Get reads timeline from a weight-selected alive replica, falling back
// to the next on error.
func (r *ReplicatingShard) Get(ctx context.Context, timeline string, offset, length int) ([]store.Entry, error) {
	return tryReplicas(r, "get", func(_ context.Context, sh *shard.Shard) ([]store.Entry, error) {
		return sh.Get(ctx, timeline, offset, length)
	})
}

// Size reads timeline's length from a weight-selected alive replica.
func (r *ReplicatingShard) Size(ctx context.Context, timeline string) (int, error) {
	return tryReplicas(r, "size", func(_ context.Context, sh *shard.Shard) (int, error) {
		return sh.Size(ctx, timeline)
	})
}

// GetKeys reads the %keys snapshot from a weight-selected alive replica.
func (r *ReplicatingShard) GetKeys(ctx context.Context, offset, count int) ([]string, error) {
	return tryReplicas(r, "getKeys", func(_ context.Context, sh *shard.Shard) ([]string, error) {
		return sh.GetKeys(ctx, offset, count)
	})
}

var _ store.Capability = (*ReplicatingShard)(nil)
