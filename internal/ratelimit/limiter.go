// Package ratelimit provides per-venue request pacing for the HTTP
// transport. It wraps golang.org/x/time/rate with the call shape the
// teacher repo's hand-rolled internal/providers/kraken/ratelimiter.go
// exposes (Wait/TryWait/Remaining/LastRequest/SetRPS), backed by the real
// token-bucket implementation instead of a bespoke one.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits a single venue's outbound requests.
type Limiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	lastRequest time.Time
}

// New creates a limiter allowing rps sustained requests per second with a
// burst capacity of burst (at least 1).
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 1.0
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastRequest = time.Now()
	l.mu.Unlock()
	return nil
}

// TryWait attempts to acquire a token without blocking.
func (l *Limiter) TryWait() bool {
	if l.limiter.Allow() {
		l.mu.Lock()
		l.lastRequest = time.Now()
		l.mu.Unlock()
		return true
	}
	return false
}

// Remaining returns the current token count (fractional tokens permitted).
func (l *Limiter) Remaining() float64 {
	return float64(l.limiter.Tokens())
}

// LastRequest returns the time of the last token successfully acquired.
func (l *Limiter) LastRequest() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRequest
}

// SetRPS adjusts the sustained rate; burst capacity is left unchanged.
func (l *Limiter) SetRPS(rps float64) {
	if rps <= 0 {
		return
	}
	l.limiter.SetLimit(rate.Limit(rps))
}

// Manager owns one Limiter per venue, constructed lazily on first use.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	factory  func(venue string) *Limiter
}

// NewManager creates a Manager that lazily builds limiters with factory.
func NewManager(factory func(venue string) *Limiter) *Manager {
	return &Manager{limiters: make(map[string]*Limiter), factory: factory}
}

// Get returns the limiter for venue, constructing it on first access.
func (m *Manager) Get(venue string) *Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[venue]; ok {
		return l
	}
	l := m.factory(venue)
	m.limiters[venue] = l
	return l
}
