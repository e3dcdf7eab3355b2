package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/metrics"
)

// RunFunc replays one Job against its target replica. A nil error removes
// the job; any other error increments its retry counter.
type RunFunc func(ctx context.Context, job *Job) error

// Scheduler is the shared contract spec.md §6 names: a named priority
// queue with its own thread count, error limit, and retry delay.
type Scheduler interface {
	Name() string
	Enqueue(host, timeline string, op Op, entry, oldEntry, newEntry []byte) *Job
	Pending() int
	Stop(timeout time.Duration) error
}

// MemScheduler is an in-process Scheduler: jobs live in memory and are
// replayed on a ticker, bounded to cfg.Threads concurrent replays,
// grounded on the teacher's hinted-handoff ticker-replay loop
// (coordinator/internal/service/hintedhandoff_service.go) and its worker
// pool's panic-recovered task execution
// (storage-node/internal/util/workerpool/pool.go).
type MemScheduler struct {
	name     string
	priority Priority
	cfg      PriorityConfig
	run      RunFunc
	badJobs  BadJobLogger
	logger   *zap.Logger
	metrics  *metrics.Metrics

	sem chan struct{}

	mu   sync.Mutex
	jobs []*Job

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewMemScheduler creates a MemScheduler and starts its replay loop.
func NewMemScheduler(name string, priority Priority, cfg PriorityConfig, run RunFunc, badJobs BadJobLogger, logger *zap.Logger, m *metrics.Metrics) *MemScheduler {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = 25
	}
	if cfg.ErrorRetryDelay <= 0 {
		cfg.ErrorRetryDelay = 60 * time.Second
	}
	if badJobs == nil {
		badJobs = NopBadJobLogger{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemScheduler{
		name:     name,
		priority: priority,
		cfg:      cfg,
		run:      run,
		badJobs:  badJobs,
		logger:   logger.With(zap.String("scheduler", name), zap.String("priority", string(priority))),
		metrics:  m,
		sem:      make(chan struct{}, cfg.Threads),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *MemScheduler) Name() string { return s.name }

// Enqueue stores a retryable job keyed by (host, timeline, op, entry), the
// idempotency key spec.md §4.4 specifies for write retries.
func (s *MemScheduler) Enqueue(host, timeline string, op Op, entry, oldEntry, newEntry []byte) *Job {
	job := newJob(s.priority, host, timeline, op)
	job.Entry = entry
	job.OldEntry = oldEntry
	job.NewEntry = newEntry

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	s.metrics.RecordRetryJob(string(s.priority))
	s.logger.Warn("job enqueued for retry",
		zap.String("job_id", job.ID), zap.String("timeline", timeline), zap.String("op", string(op)))
	return job
}

// Pending returns the number of jobs currently awaiting replay.
func (s *MemScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *MemScheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.ErrorRetryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ReplayNow()
		case <-s.stopCh:
			return
		}
	}
}

// ReplayNow runs one replay pass immediately, blocking until every
// currently-pending job has been attempted. Exported so tests can avoid
// waiting out a real errorRetryDelay.
func (s *MemScheduler) ReplayNow() {
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		s.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.replayOne(job)
		}()
	}
	wg.Wait()
}

func (s *MemScheduler) replayOne(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.safeRun(ctx, job)
	if err == nil {
		s.remove(job)
		s.logger.Debug("job replay succeeded", zap.String("job_id", job.ID))
		return
	}

	job.Retries++
	job.LastError = err.Error()
	if job.Retries >= s.cfg.ErrorLimit {
		s.remove(job)
		s.metrics.RecordBadJob(string(s.priority))
		s.badJobs.LogBadJob(job, err)
		s.logger.Warn("job exhausted retries, diverted to bad-jobs log",
			zap.String("job_id", job.ID), zap.Int("retries", job.Retries), zap.Error(err))
		return
	}
	s.logger.Debug("job replay failed, will retry",
		zap.String("job_id", job.ID), zap.Int("retries", job.Retries), zap.Error(err))
}

func (s *MemScheduler) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobqueue: job panicked: %v", r)
		}
	}()
	return s.run(ctx, job)
}

func (s *MemScheduler) remove(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == job.ID {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}

// Stop signals the replay loop to exit and waits for it, up to timeout.
func (s *MemScheduler) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		select {
		case <-s.doneCh:
		case <-time.After(timeout):
			err = fmt.Errorf("jobqueue: scheduler %q stop timeout after %v", s.name, timeout)
		}
	})
	return err
}

var _ Scheduler = (*MemScheduler)(nil)
