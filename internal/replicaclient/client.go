// Package replicaclient implements the pipelined single-connection
// replica client (spec.md §4.1) and its connection pool (§4.2). A Client
// owns one connection to one replica host, runs one worker goroutine, and
// multiplexes many concurrent logical calls onto it via a staging/batch/
// pipeline queue discipline, following the teacher's single-purpose
// service-with-background-loop idiom
// (storage-node/internal/util/workerpool/pool.go) and its construction-time
// capture of collaborators rather than reaching into globals at call time
// (storage-node/internal/service/gossip_service.go).
package replicaclient

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/apperrors"
	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/store"
)

// Config holds the construction parameters spec.md §4.1 lists, all
// tunable. Config is immutable after a Client is built from it (spec.md
// §5 "Configuration is immutable after construction").
type Config struct {
	Host                  string
	PipelineMaxSize       int
	BatchSize             int
	BatchTimeout          time.Duration
	CallTimeout           time.Duration
	KeysTimeout           time.Duration
	Expiration            time.Duration
	AutoDisableErrorLimit int64
}

// setDefaults fills zero fields with the defaults spec.md §4.1 cites.
func (c *Config) setDefaults() {
	if c.PipelineMaxSize == 0 {
		c.PipelineMaxSize = 1000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 200 * time.Millisecond
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 200 * time.Millisecond
	}
	if c.KeysTimeout == 0 {
		c.KeysTimeout = 5 * time.Second
	}
	if c.Expiration == 0 {
		c.Expiration = 21 * 24 * time.Hour
	}
	if c.AutoDisableErrorLimit == 0 {
		c.AutoDisableErrorLimit = 200
	}
}

// callFunc is what a batch/pipeline element actually runs against the
// backend once its batch flushes.
type callFunc func(ctx context.Context) (interface{}, error)

// batchElement is spec.md §3's Batch Element: a queued, not-yet-submitted
// call.
type batchElement struct {
	opName       string
	call         callFunc
	callback     func(interface{})
	errorHandler func(error)
	arrival      time.Time
	resultCh     chan callResult
}

// pipelineElement is spec.md §3's Pipeline Element: a submitted call
// waiting on its response, FIFO per client.
type pipelineElement struct {
	opName       string
	callback     func(interface{})
	errorHandler func(error)
	submission   time.Time
	resultCh     chan callResult
}

type callResult struct {
	value interface{}
	err   error
}

// wireJob is handed to the dedicated connection goroutine, which is the
// only goroutine that ever touches the backend (spec.md §5 "The TCP
// connection is owned solely by its worker; all I/O is single-threaded
// per connection").
type wireJob struct {
	call     callFunc
	resultCh chan callResult
}

// Client is a pipelined single-connection worker for one replica host
// (spec.md §4.1). Construct with New; Client is safe for concurrent
// submission from many callers, but internally serializes all I/O
// through one worker goroutine and one connection goroutine.
type Client struct {
	cfg     Config
	backend store.Backend
	logger  *zap.Logger
	metrics *metrics.Metrics

	// onError is invoked after every charged error, mirroring the
	// pool's countError hook (spec.md §4.1 "Each non-None error also
	// bumps the external countError callback").
	onError func(kind apperrors.Kind)

	staging chan *batchElement
	wire    chan *wireJob

	batch    *list.List
	pipeline *list.List

	alive      atomic.Bool
	running    atomic.Bool
	errorCount atomic.Int64
	inflight   atomic.Int64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Client bound to backend, fills Config defaults, and
// starts its worker and connection goroutines.
func New(cfg Config, backend store.Backend, logger *zap.Logger, m *metrics.Metrics, onError func(apperrors.Kind)) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:      cfg,
		backend:  backend,
		logger:   logger.With(zap.String("host", cfg.Host)),
		metrics:  m,
		onError:  onError,
		staging:  make(chan *batchElement, cfg.PipelineMaxSize+1),
		wire:     make(chan *wireJob, cfg.PipelineMaxSize+1),
		batch:    list.New(),
		pipeline: list.New(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	c.alive.Store(true)
	c.running.Store(true)

	go c.runConnection()
	go c.run()

	c.logger.Info("replica client started",
		zap.Int("pipeline_max_size", cfg.PipelineMaxSize),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("batch_timeout", cfg.BatchTimeout),
		zap.Duration("call_timeout", cfg.CallTimeout))

	return c
}

// Host returns the replica host this client is bound to.
func (c *Client) Host() string { return c.cfg.Host }

// Alive reports whether the client has not been marked dead by a
// protocol error and has not been shut down.
func (c *Client) Alive() bool { return c.alive.Load() && c.running.Load() }

// ErrorCount returns the cumulative charged error count, used by the
// Pool's auto-disable policy.
func (c *Client) ErrorCount() int64 { return c.errorCount.Load() }

// Inflight returns the current staging+batch+pipeline depth (spec.md
// §3 "Client state... inflight = staging ++ batch ++ pipeline").
func (c *Client) Inflight() int { return int(c.inflight.Load()) }

// runConnection is the only goroutine that ever calls into c.backend. It
// executes wire jobs strictly in the order they were queued, which is
// what gives the client its FIFO "submission order equals wire order
// equals response-dispatch order" guarantee (spec.md §5), independent of
// the bookkeeping in run().
func (c *Client) runConnection() {
	for job := range c.wire {
		val, err := c.executeCall(job.call)
		job.resultCh <- callResult{value: val, err: err}
	}
}

// executeCall runs call with panic recovery, matching the teacher's
// safeExecute pattern (storage-node/internal/util/workerpool/pool.go).
// A recovered panic is treated as spec.md §4.1's "Unknown throw": it is
// surfaced as an ordinary execution error, not a protocol error, so it
// does not kill the client.
func (c *Client) executeCall(call callFunc) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("replica client call panicked", zap.Any("panic", r))
			err = fmt.Errorf("replicaclient: unknown throw: %v", r)
		}
	}()
	return call(context.Background())
}

// offer enqueues be for submission, enforcing the pipelineMaxSize
// backpressure bound (spec.md §4.1 "Backpressure: if inflight >
// pipelineMaxSize, submission fails with Overloaded"). On failure, be's
// error handler is invoked inline and offer itself returns the error.
func (c *Client) offer(be *batchElement) error {
	if !c.Alive() {
		err := apperrors.HostDown(c.cfg.Host)
		if be.errorHandler != nil {
			be.errorHandler(err)
		}
		return err
	}
	if int(c.inflight.Load()) > c.cfg.PipelineMaxSize {
		c.chargeError(apperrors.KindOverloaded)
		c.metrics.RecordSubmitRejected(c.cfg.Host)
		err := apperrors.Overloaded(fmt.Sprintf("replica client %s: inflight exceeds pipelineMaxSize", c.cfg.Host))
		if be.errorHandler != nil {
			be.errorHandler(err)
		}
		return err
	}

	c.inflight.Add(1)
	select {
	case c.staging <- be:
		return nil
	default:
		c.inflight.Add(-1)
		c.chargeError(apperrors.KindOverloaded)
		c.metrics.RecordSubmitRejected(c.cfg.Host)
		err := apperrors.Overloaded(fmt.Sprintf("replica client %s: staging queue full", c.cfg.Host))
		if be.errorHandler != nil {
			be.errorHandler(err)
		}
		return err
	}
}

// submitAsync enqueues a non-blocking call (push/pop/pushAfter). The
// caller-supplied callback/errorHandler fire from the worker goroutine
// once the call is delivered.
func (c *Client) submitAsync(opName string, call callFunc, callback func(interface{}), errorHandler func(error)) error {
	return c.offer(&batchElement{
		opName:       opName,
		call:         call,
		callback:     callback,
		errorHandler: errorHandler,
		arrival:      time.Now(),
		resultCh:     make(chan callResult, 1),
	})
}

// submitSync enqueues call and blocks the caller up to timeout for its
// result (spec.md §4.1's synchronous read operations). This is where
// CallTimeout actually manifests: the worker's own per-head wait/requeue
// loop is a polling granularity that never drops a call, but a
// synchronous caller cannot wait forever, so it gives up independently
// and returns apperrors.CallTimeout while the call keeps running
// in the background with no one left listening (spec.md §9 design
// notes: "a slow response can block the queue head").
func (c *Client) submitSync(ctx context.Context, opName string, timeout time.Duration, call callFunc) (interface{}, error) {
	done := make(chan callResult, 1)
	err := c.submitAsync(opName, call,
		func(v interface{}) { done <- callResult{value: v} },
		func(e error) { done <- callResult{err: e} },
	)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		c.chargeError(apperrors.KindCallTimeout)
		return nil, apperrors.CallTimeout(opName)
	case <-timer.C:
		c.chargeError(apperrors.KindCallTimeout)
		return nil, apperrors.CallTimeout(opName)
	}
}

// run is the worker loop described verbatim by spec.md §4.1's pseudocode:
// drain staging into batch, flush the batch on size/age, else service the
// pipeline head with requeue-on-timeout, else sleep until something
// arrives.
func (c *Client) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.shutdownDrain()
			return
		default:
		}

		c.drainStaging()
		c.metrics.SetPipelineInflight(c.cfg.Host, c.Inflight())

		if c.batch.Len() > 0 && (c.oldestBatchAge() >= c.cfg.BatchTimeout || c.batch.Len() >= c.cfg.BatchSize) {
			trigger := "age"
			if c.batch.Len() >= c.cfg.BatchSize {
				trigger = "size"
			}
			c.flushBatch(trigger)
			continue
		}

		if c.pipeline.Len() > 0 {
			if dead := c.serviceHead(); dead {
				c.markDeadAndDrain()
				return
			}
			continue
		}

		sleep := time.Second
		if c.batch.Len() > 0 {
			if remaining := c.cfg.BatchTimeout - c.oldestBatchAge(); remaining > 0 {
				sleep = remaining
			} else {
				sleep = 0
			}
		}
		timer := time.NewTimer(sleep)
		select {
		case be := <-c.staging:
			c.batch.PushBack(be)
			timer.Stop()
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			c.shutdownDrain()
			return
		}
	}
}

// drainStaging moves everything currently queued in staging into batch,
// non-blocking.
func (c *Client) drainStaging() {
	for {
		select {
		case be := <-c.staging:
			c.batch.PushBack(be)
		default:
			return
		}
	}
}

func (c *Client) oldestBatchAge() time.Duration {
	front := c.batch.Front()
	if front == nil {
		return 0
	}
	return time.Since(front.Value.(*batchElement).arrival)
}

// flushBatch submits every currently queued batch element to the wire in
// order and promotes each to a pipeline element.
func (c *Client) flushBatch(trigger string) {
	n := c.batch.Len()
	if n == 0 {
		return
	}
	c.metrics.RecordBatchFlush(c.cfg.Host, trigger, n)

	for c.batch.Len() > 0 {
		be := c.batch.Remove(c.batch.Front()).(*batchElement)
		c.wire <- &wireJob{call: be.call, resultCh: be.resultCh}
		c.pipeline.PushBack(&pipelineElement{
			opName:       be.opName,
			callback:     be.callback,
			errorHandler: be.errorHandler,
			submission:   time.Now(),
			resultCh:     be.resultCh,
		})
	}
}

// serviceHead waits on the pipeline head's result up to callTimeout. A
// timeout here is the requeue-on-timeout polling path (spec.md §4.1):
// the head is left in place and serviceHead simply returns, to be polled
// again next tick. It returns true if the head's error was a protocol
// error, signaling the caller to tear the client down.
func (c *Client) serviceHead() bool {
	elem := c.pipeline.Front()
	pe := elem.Value.(*pipelineElement)

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case res := <-pe.resultCh:
		c.pipeline.Remove(elem)
		c.metrics.RecordCallLatency(time.Since(pe.submission).Seconds())
		return c.deliver(pe, res)
	case <-timer.C:
		return false
	}
}

// deliver runs the wrap contract (spec.md §4.1) for one completed
// pipeline element and reports whether the client should be marked dead.
func (c *Client) deliver(pe *pipelineElement, res callResult) bool {
	c.inflight.Add(-1)

	if res.err == nil {
		if pe.callback != nil {
			c.safeInvoke(pe.opName, func() { pe.callback(res.value) })
		}
		return false
	}

	kind := classifyErr(res.err)
	switch kind {
	case apperrors.KindProtocolError:
		c.logger.Error("replica client protocol error", zap.String("op", pe.opName), zap.Error(res.err))
	default:
		c.logger.Error("replica client execution error", zap.String("op", pe.opName), zap.Error(res.err))
	}
	c.chargeError(kind)
	if pe.errorHandler != nil {
		c.safeInvoke(pe.opName, func() { pe.errorHandler(res.err) })
	}
	return kind == apperrors.KindProtocolError
}

// safeInvoke runs a caller-supplied callback/errorHandler with panic
// recovery so one bad caller cannot take down the worker loop.
func (c *Client) safeInvoke(opName string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("replica client callback panicked", zap.String("op", opName), zap.Any("panic", r))
		}
	}()
	fn()
}

// chargeError increments errorCount, the per-kind metric, and notifies
// the external countError hook (spec.md §4.1: "Each non-None error also
// bumps the external countError callback").
func (c *Client) chargeError(kind apperrors.Kind) {
	c.errorCount.Add(1)
	c.metrics.RecordPipelineError(c.cfg.Host, kind.String())
	if c.onError != nil {
		c.onError(kind)
	}
}

// classifyErr maps a raw backend error to the wrap contract's taxonomy.
// A connection-closed error is a client-runtime/protocol error; anything
// else reported by the backend is an execution error on that call.
func classifyErr(err error) apperrors.Kind {
	if err == nil {
		return apperrors.KindNone
	}
	if errors.Is(err, store.ErrConnectionClosed) {
		return apperrors.KindProtocolError
	}
	return apperrors.KindStoreExecutionError
}

// markDeadAndDrain is the client-runtime-error path (spec.md §4.1): mark
// the client dead, flush whatever remains via error callbacks, and close
// the connection.
func (c *Client) markDeadAndDrain() {
	c.alive.Store(false)
	c.logger.Warn("replica client marked dead, draining")
	c.drainRemaining(apperrors.ProtocolError(errors.New("client marked dead")))
	_ = c.backend.Quit(context.Background())
	c.running.Store(false)
	close(c.wire)
}

// shutdownDrain implements the graceful shutdown path (spec.md §5): drain
// staging into batch, flush the batch, then deliver every pipeline
// element with a bounded wait each, before closing the connection.
func (c *Client) shutdownDrain() {
	c.drainStaging()
	c.flushBatch("shutdown")

	for c.pipeline.Len() > 0 {
		elem := c.pipeline.Front()
		pe := c.pipeline.Remove(elem).(*pipelineElement)
		timer := time.NewTimer(c.cfg.CallTimeout)
		select {
		case res := <-pe.resultCh:
			c.inflight.Add(-1)
			c.metrics.RecordCallLatency(time.Since(pe.submission).Seconds())
			if res.err == nil {
				if pe.callback != nil {
					c.safeInvoke(pe.opName, func() { pe.callback(res.value) })
				}
			} else {
				kind := classifyErr(res.err)
				c.chargeError(kind)
				if pe.errorHandler != nil {
					c.safeInvoke(pe.opName, func() { pe.errorHandler(res.err) })
				}
			}
		case <-timer.C:
			c.inflight.Add(-1)
			if pe.errorHandler != nil {
				c.safeInvoke(pe.opName, func() { pe.errorHandler(apperrors.CallTimeout(pe.opName)) })
			}
		}
		timer.Stop()
	}

	_ = c.backend.Quit(context.Background())
	c.running.Store(false)
	close(c.wire)
	c.logger.Info("replica client shut down")
}

// drainRemaining delivers err to every queued and pipelined element
// without waiting for the backend, used on the dead-client path.
func (c *Client) drainRemaining(err error) {
	for c.batch.Len() > 0 {
		be := c.batch.Remove(c.batch.Front()).(*batchElement)
		c.inflight.Add(-1)
		if be.errorHandler != nil {
			c.safeInvoke(be.opName, func() { be.errorHandler(err) })
		}
	}
	for c.pipeline.Len() > 0 {
		pe := c.pipeline.Remove(c.pipeline.Front()).(*pipelineElement)
		c.inflight.Add(-1)
		if pe.errorHandler != nil {
			c.safeInvoke(pe.opName, func() { pe.errorHandler(err) })
		}
	}
	c.drainStaging()
	for c.batch.Len() > 0 {
		be := c.batch.Remove(c.batch.Front()).(*batchElement)
		c.inflight.Add(-1)
		if be.errorHandler != nil {
			c.safeInvoke(be.opName, func() { be.errorHandler(err) })
		}
	}
}

// Shutdown signals the worker to stop and waits for it to finish
// draining, up to ctx's deadline.
func (c *Client) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tempTimelineName generates the temporary name used for atomic bulk
// replace (spec.md §4.1): base + "~" + wallclockMillis + "~" +
// random31bits.
func tempTimelineName(base string) string {
	return fmt.Sprintf("%s~%d~%d", base, time.Now().UnixMilli(), rand.Int31())
}
