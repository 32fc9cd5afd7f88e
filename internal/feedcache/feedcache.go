// Package feedcache implements spec.md §4.10's long-running multi-symbol
// bar cache: it keeps one live subscription per (symbol, timeframe) open
// through the router, tracks the latest closed-or-partial bar for each, and
// lets consumers attach/detach independently with their own closed-only
// filter, without tearing down the underlying subscription. Grounded on the
// teacher's internal/stream stub bus fan-out plus
// internal/providers/kraken/websocket.go's RegisterHandler multi-consumer
// pattern, generalized from one venue's raw messages to typed bars.
package feedcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/router"
	"github.com/sawpanic/marketdata/internal/sink"
	"github.com/sawpanic/marketdata/internal/wsrunner"
)

type key struct {
	venue     string
	symbol    string
	timeframe domain.Timeframe
}

func (k key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.venue, k.symbol, k.timeframe)
}

// Cache is a long-running, multi-symbol OHLCV feed. Construct one per
// consumer group; Close tears down every subscription it opened.
type Cache struct {
	router *router.Router

	mu      sync.RWMutex
	latest  map[key]domain.StreamingBar
	sinks   map[key]*sink.InMemorySink
	cancels map[key]context.CancelFunc
}

// New constructs a Cache that routes subscriptions through r.
func New(r *router.Router) *Cache {
	return &Cache{
		router:  r,
		latest:  make(map[key]domain.StreamingBar),
		sinks:   make(map[key]*sink.InMemorySink),
		cancels: make(map[key]context.CancelFunc),
	}
}

// AddSymbols opens (if not already open) a live bar subscription for each
// (venue, symbol) pair at timeframe. Safe to call repeatedly; existing
// subscriptions are left untouched.
func (c *Cache) AddSymbols(ctx context.Context, venue string, symbols []string, timeframe domain.Timeframe) error {
	c.mu.Lock()
	var toOpen []string
	for _, sym := range symbols {
		k := key{venue, sym, timeframe}
		if _, exists := c.sinks[k]; !exists {
			toOpen = append(toOpen, sym)
		}
	}
	c.mu.Unlock()
	if len(toOpen) == 0 {
		return nil
	}

	reqs := make([]domain.DataRequest, 0, len(toOpen))
	for _, sym := range toOpen {
		reqs = append(reqs, domain.DataRequest{
			Feature:   domain.FeatureOHLCV,
			Transport: domain.TransportWS,
			Exchange:  venue,
			Symbol:    sym,
			Timeframe: timeframe,
		})
	}

	subCtx, cancel := context.WithCancel(ctx)
	items, err := c.router.RouteStream(subCtx, reqs)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	for _, sym := range toOpen {
		k := key{venue, sym, timeframe}
		c.sinks[k] = sink.New(128)
		c.cancels[k] = cancel
	}
	c.mu.Unlock()

	go c.pump(subCtx, venue, timeframe, items)
	return nil
}

func (c *Cache) pump(ctx context.Context, venue string, timeframe domain.Timeframe, items <-chan wsrunner.Item) {
	for item := range items {
		if item.Err != nil {
			log.Warn().Err(item.Err).Str("venue", venue).Msg("feed cache consumer error, skipping item")
			continue
		}
		bar, ok := item.Value.(domain.StreamingBar)
		if !ok {
			continue
		}
		k := key{venue, bar.Symbol, timeframe}
		c.mu.Lock()
		c.latest[k] = bar
		s := c.sinks[k]
		c.mu.Unlock()
		if s != nil {
			s.Publish(bar)
		}
	}
}

// Latest returns the most recently observed bar for (venue, symbol,
// timeframe), if any subscription has delivered one yet.
func (c *Cache) Latest(venue, symbol string, timeframe domain.Timeframe) (domain.StreamingBar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.latest[key{venue, symbol, timeframe}]
	return b, ok
}

// Subscribe attaches a new consumer to (venue, symbol, timeframe)'s live
// feed. When closedOnly is true, partial (not-yet-closed) bars are filtered
// out before delivery. One consumer's slow reads or panics never affect
// another consumer or the underlying subscription (per-consumer buffering
// in sink.InMemorySink).
func (c *Cache) Subscribe(ctx context.Context, venue, symbol string, timeframe domain.Timeframe, closedOnly bool) (<-chan domain.StreamingBar, error) {
	c.mu.RLock()
	s, ok := c.sinks[key{venue, symbol, timeframe}]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("feedcache: no active subscription for %s", key{venue, symbol, timeframe})
	}

	raw := s.Stream(ctx)
	out := make(chan domain.StreamingBar, 128)
	go func() {
		defer close(out)
		for v := range raw {
			bar, ok := v.(domain.StreamingBar)
			if !ok {
				continue
			}
			if closedOnly && !bar.IsClosed {
				continue
			}
			select {
			case out <- bar:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close tears down every subscription this Cache opened.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cancel := range c.cancels {
		cancel() // idempotent; a cancel may be shared across symbols in one AddSymbols batch
		delete(c.cancels, k)
	}
	for k, s := range c.sinks {
		s.Close()
		delete(c.sinks, k)
	}
}
