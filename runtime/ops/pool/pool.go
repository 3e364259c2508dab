// Package pool manages outbound connectivity. Every external capability call
// travels through a named Pool: an HTTP client with bounded in-flight and
// keep-alive connections, wrapped in a circuit breaker. The breaker is the
// sole backpressure mechanism against bad upstreams: after
// FailureThreshold consecutive failures it opens and calls fail fast with
// model.ErrUpstreamUnavailable until RecoveryTimeout elapses, then a single
// half-open probe decides whether to close it again.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/telemetry"
)

type (
	// Config bounds one pool. Zero fields take the documented defaults.
	Config struct {
		// Endpoint is the upstream base URL, informational for health output.
		Endpoint string
		// MaxConns caps in-flight connections to the upstream (default 8).
		MaxConns int
		// KeepAlive caps idle keep-alive connections (default 4).
		KeepAlive int
		// IdleTimeout expires idle connections (default 90s).
		IdleTimeout time.Duration
		// FailureThreshold opens the breaker after this many consecutive
		// failures (default 5).
		FailureThreshold uint32
		// RecoveryTimeout is how long the breaker stays open before the
		// half-open probe (default 30s).
		RecoveryTimeout time.Duration
		// HealthInterval paces the background health probe (default 60s).
		HealthInterval time.Duration
		// Probe checks upstream health. Nil disables background probing.
		Probe func(ctx context.Context) error
	}

	// Pool is one managed upstream.
	Pool struct {
		name    string
		cfg     Config
		client  *http.Client
		breaker *gobreaker.CircuitBreaker

		mu      sync.Mutex
		healthy bool
		lastErr error
	}

	// Health is a point-in-time view of one pool for the health endpoint.
	Health struct {
		Name     string `json:"name"`
		Endpoint string `json:"endpoint"`
		Breaker  string `json:"breaker"`
		Healthy  bool   `json:"healthy"`
	}

	// Registry is the process-wide set of named pools.
	Registry struct {
		mu     sync.Mutex
		pools  map[string]*Pool
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 4
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	return c
}

// New constructs a Pool. The name keys breaker state in metrics and health
// output.
func New(name string, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		name:    name,
		cfg:     cfg,
		healthy: true,
	}
	p.client = &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     cfg.MaxConns,
			MaxIdleConnsPerHost: cfg.KeepAlive,
			IdleConnTimeout:     cfg.IdleTimeout,
		},
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			telemetry.BreakerState.WithLabelValues(name).Set(stateGauge(to))
			log.Printf(context.Background(), "pool %s breaker %s -> %s", name, from, to)
		},
	})
	telemetry.BreakerState.WithLabelValues(name).Set(stateGauge(gobreaker.StateClosed))
	telemetry.PoolHealthy.WithLabelValues(name).Set(1)
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Client returns the pooled HTTP client for providers that need it directly.
// Calls made through the raw client bypass the breaker; prefer Execute or Do.
func (p *Pool) Client() *http.Client { return p.client }

// Execute runs fn through the circuit breaker. When the breaker is open the
// call fails fast with model.ErrUpstreamUnavailable without invoking fn.
// Context cancellation is surfaced as model.ErrTimeout.
func (p *Pool) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := p.breaker.Execute(func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: pool %s breaker open", model.ErrUpstreamUnavailable, p.name)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: pool %s: %v", model.ErrTimeout, p.name, err)
	default:
		return err
	}
}

// Do performs one HTTP request through the breaker and the pooled client.
// Responses with status >= 500 and 429 count as failures against the breaker.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := p.Execute(req.Context(), func(context.Context) error {
		r, err := p.client.Do(req)
		if err != nil {
			return err
		}
		switch {
		case r.StatusCode == http.StatusTooManyRequests:
			r.Body.Close()
			return fmt.Errorf("%w: %s", model.ErrRateLimited, r.Status)
		case r.StatusCode >= 500:
			r.Body.Close()
			return fmt.Errorf("%w: %s", model.ErrUpstreamUnavailable, r.Status)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// State returns the breaker state name: closed, half-open, or open.
func (p *Pool) State() string {
	switch p.breaker.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Health reports the pool's current view for the health endpoint.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Name:     p.name,
		Endpoint: p.cfg.Endpoint,
		Breaker:  p.State(),
		Healthy:  p.healthy,
	}
}

func (p *Pool) probe(ctx context.Context) {
	if p.cfg.Probe == nil {
		return
	}
	err := p.cfg.Probe(ctx)
	p.mu.Lock()
	p.healthy = err == nil
	p.lastErr = err
	p.mu.Unlock()
	if err != nil {
		telemetry.PoolHealthy.WithLabelValues(p.name).Set(0)
		log.Errorf(ctx, err, "pool %s health probe failed", p.name)
		return
	}
	telemetry.PoolHealthy.WithLabelValues(p.name).Set(1)
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// NewRegistry constructs an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Add registers a pool under its name, replacing any previous entry.
func (r *Registry) Add(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.Name()] = p
}

// Get returns the named pool, or nil when absent.
func (r *Registry) Get(name string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[name]
}

// Health reports every pool, sorted by name.
func (r *Registry) Health() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Health, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches one background health prober per pool.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	probeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	for _, p := range r.pools {
		if p.cfg.Probe == nil {
			continue
		}
		r.wg.Add(1)
		go func(p *Pool) {
			defer r.wg.Done()
			ticker := time.NewTicker(p.cfg.HealthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-probeCtx.Done():
					return
				case <-ticker.C:
					p.probe(probeCtx)
				}
			}
		}(p)
	}
}

// Close stops health probing and releases idle connections.
func (r *Registry) Close() {
	r.mu.Lock()
	cancel := r.cancel
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	for _, p := range pools {
		p.client.CloseIdleConnections()
	}
}
