package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/pkg/logger"
	"github.com/botdesk/messaging-engine/pkg/metrics"
)

// ErrAllProvidersFailed is returned when no usable provider produced a reply.
// Callers escalate to human handling; this is not a fatal system error.
var ErrAllProvidersFailed = errors.New("all providers failed or unavailable")

// PoolConfig tunes breaker behavior and per-call timeouts.
type PoolConfig struct {
	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	CooldownCeiling  time.Duration
}

// DefaultPoolConfig returns production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		CallTimeout:      30 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		CooldownCeiling:  10 * time.Minute,
	}
}

type entry struct {
	id       string
	priority int
	client   Client

	mu          sync.Mutex
	enabled     bool
	breaker     *breaker
	lastSuccess *time.Time
}

// Pool is an ordered set of providers with per-provider circuit breakers.
// A single Generate call tries providers sequentially in priority order;
// independent calls run concurrently.
type Pool struct {
	cfg    PoolConfig
	logger *logger.Logger

	mu      sync.RWMutex
	entries []*entry
}

// NewPool creates an empty provider pool.
func NewPool(cfg PoolConfig, log *logger.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: log,
	}
}

// Register adds a provider at the given priority rank (lower tries first).
func (p *Pool) Register(id string, priority int, client Client) {
	e := &entry{
		id:       id,
		priority: priority,
		client:   client,
		enabled:  true,
		breaker:  newBreaker(p.cfg.BreakerThreshold, p.cfg.BreakerCooldown, p.cfg.CooldownCeiling),
	}

	p.mu.Lock()
	p.entries = append(p.entries, e)
	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].priority < p.entries[j].priority
	})
	p.mu.Unlock()

	metrics.ProviderCircuitState.WithLabelValues(id).Set(0)
}

// SetEnabled toggles a provider without removing it from the pool.
func (p *Pool) SetEnabled(id string, enabled bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range p.entries {
		if e.id == id {
			e.mu.Lock()
			e.enabled = enabled
			e.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("unknown provider %q", id)
}

// Generate produces a reply, failing over across providers in priority order.
// Each provider call is bounded by the configured timeout; a timed-out call
// counts as a breaker failure. No provider is retried within one invocation.
func (p *Pool) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	p.mu.RLock()
	candidates := make([]*entry, len(p.entries))
	copy(candidates, p.entries)
	p.mu.RUnlock()

	var lastErr error

	for _, e := range candidates {
		e.mu.Lock()
		if !e.enabled || !e.breaker.allow() {
			e.mu.Unlock()
			continue
		}
		p.exportCircuit(e)
		e.mu.Unlock()

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		gen, err := e.client.Generate(callCtx, req)
		cancel()

		if err != nil {
			lastErr = err
			e.mu.Lock()
			e.breaker.failure()
			p.exportCircuit(e)
			e.mu.Unlock()

			metrics.RecordProviderCall(e.id, "error", time.Since(start).Seconds())
			p.logger.Warn("provider call failed",
				zap.String("provider", e.id),
				zap.Error(err),
			)
			continue
		}

		e.mu.Lock()
		e.breaker.success()
		now := time.Now()
		e.lastSuccess = &now
		p.exportCircuit(e)
		e.mu.Unlock()

		metrics.RecordProviderCall(e.id, "success", time.Since(start).Seconds())
		gen.Provider = e.id
		return gen, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
	}
	return nil, ErrAllProvidersFailed
}

// Records returns the observable state of every provider, in priority order.
func (p *Pool) Records() []model.ProviderRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	records := make([]model.ProviderRecord, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		rec := model.ProviderRecord{
			ID:           e.id,
			Priority:     e.priority,
			Enabled:      e.enabled,
			Circuit:      e.breaker.state,
			Failures:     e.breaker.failures,
			LastSuccess:  e.lastSuccess,
			CooldownSecs: e.breaker.cooldown.Seconds(),
		}
		if e.breaker.state == model.CircuitOpen {
			openedAt := e.breaker.openedAt
			rec.OpenedAt = &openedAt
		}
		e.mu.Unlock()
		records = append(records, rec)
	}
	return records
}

// exportCircuit mirrors the breaker state into the Prometheus gauge.
// Caller holds e.mu.
func (p *Pool) exportCircuit(e *entry) {
	var v float64
	switch e.breaker.state {
	case model.CircuitHalfOpen:
		v = 1
	case model.CircuitOpen:
		v = 2
	}
	metrics.ProviderCircuitState.WithLabelValues(e.id).Set(v)
}
