package replicaclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foonetic/timelined/internal/apperrors"
	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/store"
)

// PoolConfig configures a per-host Connection Pool (spec.md §4.2). Read
// and write pools share this schema; a typical deployment sets Size=1,
// ClientConfig.PipelineMaxSize around 100.
type PoolConfig struct {
	Host                  string
	Size                  int
	CheckoutTimeout       time.Duration
	AutoDisableErrorLimit int64
	AutoDisableDuration   time.Duration
	ClientConfig          Config
	DialOptions           store.DialOptions

	// NewBackend builds the Backend a new Client should connect to.
	// Defaults to store.NewMemStore bound to DialOptions; tests inject
	// mocks here.
	NewBackend func(store.DialOptions) store.Backend
}

func (pc *PoolConfig) setDefaults() {
	if pc.Size <= 0 {
		pc.Size = 1
	}
	if pc.CheckoutTimeout == 0 {
		pc.CheckoutTimeout = 100 * time.Millisecond
	}
	if pc.AutoDisableErrorLimit == 0 {
		pc.AutoDisableErrorLimit = 200
	}
	if pc.AutoDisableDuration == 0 {
		pc.AutoDisableDuration = 60 * time.Second
	}
	if pc.NewBackend == nil {
		pc.NewBackend = func(opts store.DialOptions) store.Backend {
			return store.NewMemStore(opts)
		}
	}
	pc.ClientConfig.Host = pc.Host
	pc.ClientConfig.AutoDisableErrorLimit = pc.AutoDisableErrorLimit
}

// Pool is the per-host Connection Pool (spec.md §4.2): up to Size
// Replica Clients, least-loaded checkout, and auto-disable on sustained
// errors. Grounded on the teacher's hinted-handoff background-sweep
// pattern (coordinator/internal/service/hintedhandoff_service.go) for
// guarding shared state with a mutex and copying before mutating, and on
// the worker pool's sync.Once-guarded shutdown
// (storage-node/internal/util/workerpool/pool.go).
type Pool struct {
	cfg     PoolConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	clients       []*Client
	disabledUntil time.Time
}

// NewPool creates a Pool and eagerly starts Size Clients.
func NewPool(cfg PoolConfig, logger *zap.Logger, m *metrics.Metrics) *Pool {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		logger:  logger.With(zap.String("host", cfg.Host)),
		metrics: m,
	}
	p.mu.Lock()
	p.ensureClientsLocked()
	p.mu.Unlock()
	return p
}

// ensureClientsLocked tops the pool back up to cfg.Size, creating fresh
// Clients as needed. Callers must hold p.mu.
func (p *Pool) ensureClientsLocked() {
	for len(p.clients) < p.cfg.Size {
		backend := p.cfg.NewBackend(p.cfg.DialOptions)
		c := New(p.cfg.ClientConfig, backend, p.logger, p.metrics, p.onClientError)
		p.clients = append(p.clients, c)
	}
}

// onClientError is every Client's countError hook (spec.md §4.2): once a
// client's cumulative errorCount crosses autoDisableErrorLimit, it is
// shut down, removed, and the host is disabled for autoDisableDuration.
func (p *Pool) onClientError(_ apperrors.Kind) {
	p.mu.Lock()
	var toDisable *Client
	remaining := p.clients[:0:0]
	for _, c := range p.clients {
		if toDisable == nil && c.ErrorCount() >= p.cfg.AutoDisableErrorLimit {
			toDisable = c
			continue
		}
		remaining = append(remaining, c)
	}
	if toDisable != nil {
		p.clients = remaining
		p.disabledUntil = time.Now().Add(p.cfg.AutoDisableDuration)
		p.metrics.RecordAutoDisable(p.cfg.Host)
		p.logger.Warn("auto-disabling replica client",
			zap.Int64("error_count", toDisable.ErrorCount()),
			zap.Duration("cooldown", p.cfg.AutoDisableDuration))
	}
	p.mu.Unlock()

	if toDisable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = toDisable.Shutdown(ctx)
		cancel()
	}
}

// Checkout returns the least-loaded alive Client for this host, blocking
// up to ctx's deadline (spec.md §4.2 "poolTimeoutMsec"). If the host is
// within its auto-disable cooldown, Checkout fails immediately with
// HostDown rather than waiting out the timeout.
func (p *Pool) Checkout(ctx context.Context) (*Client, error) {
	for {
		p.mu.Lock()
		if time.Now().Before(p.disabledUntil) {
			p.mu.Unlock()
			p.metrics.RecordPoolCheckout(p.cfg.Host, "host_down")
			return nil, apperrors.HostDown(p.cfg.Host)
		}
		p.ensureClientsLocked()
		best := p.leastLoadedAliveLocked()
		p.mu.Unlock()

		if best != nil {
			p.metrics.RecordPoolCheckout(p.cfg.Host, "ok")
			return best, nil
		}

		select {
		case <-ctx.Done():
			p.metrics.RecordPoolCheckout(p.cfg.Host, "pool_timeout")
			return nil, apperrors.PoolTimeout(p.cfg.Host)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// CheckoutWithTimeout is a convenience wrapper applying PoolConfig's
// CheckoutTimeout on top of ctx.
func (p *Pool) CheckoutWithTimeout(ctx context.Context) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
	defer cancel()
	return p.Checkout(ctx)
}

func (p *Pool) leastLoadedAliveLocked() *Client {
	var best *Client
	bestLoad := -1
	for _, c := range p.clients {
		if !c.Alive() {
			continue
		}
		load := c.Inflight()
		if best == nil || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	return best
}

// Size returns the number of currently-tracked clients (alive or not yet
// pruned).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Disabled reports whether the host is currently within its auto-disable
// cooldown window.
func (p *Pool) Disabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.disabledUntil)
}

// Shutdown gracefully stops every client in the pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.clients = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
