// Package jobqueue implements the retryable job scheduler contract
// spec.md §6 alludes to as an external collaborator: three named
// priorities, bounded per-job retries with backoff, and bad-job
// diversion. Grounded on the teacher's hinted-handoff service
// (coordinator/internal/service/hintedhandoff_service.go) for the
// ticker-driven replay / per-record retry counter shape (jobs carry no
// TTL; only the error limit drops them), and on its
// worker pool (storage-node/internal/util/workerpool/pool.go) for bounded
// concurrent execution with panic recovery.
package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// Priority names the three job classes spec.md §6 cites, each with its
// own thread count and retry delay.
type Priority string

const (
	Copy      Priority = "copy"
	Write     Priority = "write"
	MultiPush Priority = "multi_push"
)

// Op names the replica-client operation a retried Job replays.
type Op string

const (
	OpPush      Op = "push"
	OpPop       Op = "pop"
	OpPushAfter Op = "pushAfter"
	OpDelete    Op = "delete"
)

// Job is a JSON-encodable retryable unit of work (spec.md "Jobs are
// JSON-encoded"), keyed by (timeline, op, entry) as spec.md §4.4
// specifies for idempotent write retries.
type Job struct {
	ID        string    `json:"id"`
	Priority  Priority  `json:"priority"`
	Host      string    `json:"host"`
	Timeline  string    `json:"timeline"`
	Op        Op        `json:"op"`
	Entry     []byte    `json:"entry,omitempty"`
	OldEntry  []byte    `json:"old_entry,omitempty"`
	NewEntry  []byte    `json:"new_entry,omitempty"`
	Enqueued  time.Time `json:"enqueued"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
}

// newJob allocates a Job with a fresh uuid and the current time.
func newJob(priority Priority, host, timeline string, op Op) *Job {
	return &Job{
		ID:       uuid.New().String(),
		Priority: priority,
		Host:     host,
		Timeline: timeline,
		Op:       op,
		Enqueued: time.Now(),
	}
}

// PriorityConfig is the shared scheduler contract spec.md §6 names:
// `(threads, errorLimit, errorRetryDelay)` per priority.
type PriorityConfig struct {
	Threads         int
	ErrorLimit      int
	ErrorRetryDelay time.Duration
}

// DefaultPriorityConfig returns the defaults SPEC_FULL.md §6.3 cites for
// each priority: Copy retries every 900s, Write and MultiPush every 60s,
// all with an error limit of 25.
func DefaultPriorityConfig(p Priority) PriorityConfig {
	switch p {
	case Copy:
		return PriorityConfig{Threads: 2, ErrorLimit: 25, ErrorRetryDelay: 900 * time.Second}
	case MultiPush:
		return PriorityConfig{Threads: 4, ErrorLimit: 25, ErrorRetryDelay: 60 * time.Second}
	default:
		return PriorityConfig{Threads: 4, ErrorLimit: 25, ErrorRetryDelay: 60 * time.Second}
	}
}
