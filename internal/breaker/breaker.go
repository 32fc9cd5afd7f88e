// Package breaker wraps each provider's REST runner with a circuit breaker
// so a venue returning sustained errors stops taking traffic until it
// recovers. Grounded on the teacher's hand-rolled
// internal/providers/guards/circuit.go state machine, reimplemented on top
// of the real github.com/sony/gobreaker the teacher's go.mod declares but
// never wires.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Config tunes a single venue's circuit breaker.
type Config struct {
	// FailureThreshold is the ratio (0..1) of failed to total requests,
	// counted since the breaker last changed state, that trips it open.
	FailureThreshold float64
	// MinRequests is the minimum number of counted requests before the
	// ratio is evaluated.
	MinRequests uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// Breaker guards calls to a single venue's REST runner.
type Breaker struct {
	venue string
	cb    *gobreaker.CircuitBreaker
}

// New creates a Breaker for venue.
func New(venue string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        venue,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
	}
	return &Breaker{venue: venue, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do executes fn through the breaker. When the breaker is open, fn is never
// called and a provider error with code "circuit_open" is returned immediately
// (no transport-level call made), matching the capability-gating invariant
// in spec.md §8 for a provider already known to be failing.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, xerrors.Provider(b.venue, "circuit_open", "circuit breaker open, provider degraded", 0)
	}
	return result, err
}

// State reports the breaker's current state for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Manager owns one Breaker per venue.
type Manager struct {
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager creates a Manager applying cfg to every venue it constructs.
func NewManager(cfg Config) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns (constructing if necessary) the breaker for venue.
func (m *Manager) Get(venue string) *Breaker {
	if b, ok := m.breakers[venue]; ok {
		return b
	}
	b := New(venue, m.cfg)
	m.breakers[venue] = b
	return b
}
