// Package wsrunner implements spec.md §4.5's L2 stream runner: it turns one
// or more DataRequests into WebSocket subscriptions, fanning out across
// multiple connections when a venue's WSEndpointSpec caps the number of
// streams per connection, and applies the closed-only/throttle/dedupe
// filter chain before handing parsed values to the caller. Grounded on the
// teacher's internal/providers/kraken/websocket.go subscription bookkeeping
// (Subscription, RegisterHandler, processMessage).
package wsrunner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/telemetry"
	"github.com/sawpanic/marketdata/internal/transport/ws"
)

// MessageAdapter recognizes and parses frames belonging to one stream.
type MessageAdapter interface {
	// IsRelevant reports whether msg belongs to this adapter's stream.
	IsRelevant(msg ws.Message) bool
	// Parse converts msg into a domain value (e.g. domain.StreamingBar,
	// domain.Trade, domain.OrderBook).
	Parse(msg ws.Message) (any, error)
}

// WSEndpointSpec binds a venue's combined-stream conventions to concrete
// URL/name builders, matching spec.md §4.5's WSEndpointSpec type.
type WSEndpointSpec struct {
	Venue                   string
	CombinedSupported       bool
	MaxStreamsPerConnection int
	BuildStreamName         func(req domain.DataRequest) (string, error)
	BuildSingleURL          func(streamName string) string
	BuildCombinedURL        func(streamNames []string) string
	NewAdapter              func(req domain.DataRequest) MessageAdapter
}

func (s WSEndpointSpec) withDefaults() WSEndpointSpec {
	if s.MaxStreamsPerConnection <= 0 {
		s.MaxStreamsPerConnection = 1
	}
	return s
}

// Item is one filtered, parsed value delivered to a consumer, tagged with
// the request it satisfies so a fan-out caller can demux.
type Item struct {
	Request domain.DataRequest
	Value   any
	Err     error
}

// FilterOptions configures the per-subscription filter chain
// (closed-only → throttle → dedupe), spec.md §4.5.
type FilterOptions struct {
	ClosedOnly     bool
	ThrottleWindow time.Duration
	Dedupe         bool
}

type dedupeKeyer interface{ DedupeKey() string }

// Runner manages a venue's stream connections for a set of subscriptions.
type Runner struct {
	spec WSEndpointSpec
	tel  *telemetry.Registry

	mu    sync.Mutex
	conns []*ws.Client
}

// NewRunner constructs a Runner. tel may be nil.
func NewRunner(spec WSEndpointSpec, tel *telemetry.Registry) *Runner {
	return &Runner{spec: spec.withDefaults(), tel: tel}
}

// Subscribe opens new connections for reqs and returns a channel of
// filtered Items. The channel closes when ctx is cancelled.
func (r *Runner) Subscribe(ctx context.Context, reqs []domain.DataRequest, opts FilterOptions) (<-chan Item, error) {
	out := make(chan Item, 256)

	type group struct {
		reqs  []domain.DataRequest
		names []string
	}

	groups := chunkRequests(reqs, r.spec.MaxStreamsPerConnection, r.spec.CombinedSupported)

	var wg sync.WaitGroup
	for _, g := range groups {
		names := make([]string, 0, len(g))
		adapters := make(map[string]MessageAdapter, len(g))
		for _, req := range g {
			name, err := r.spec.BuildStreamName(req)
			if err != nil {
				return nil, err
			}
			names = append(names, name)
			adapters[name] = r.spec.NewAdapter(req)
		}

		var url string
		if len(names) > 1 && r.spec.CombinedSupported {
			url = r.spec.BuildCombinedURL(names)
		} else {
			url = r.spec.BuildSingleURL(names[0])
		}

		client := ws.New(ws.Config{Venue: r.spec.Venue, URL: url})
		r.mu.Lock()
		r.conns = append(r.conns, client)
		r.mu.Unlock()

		wg.Add(1)
		go func(g []domain.DataRequest, client *ws.Client) {
			defer wg.Done()
			r.runConnection(ctx, client, g, adapters, opts, out)
		}(g, client)

		go func(c *ws.Client) {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Str("venue", r.spec.Venue).Msg("stream connection ended")
			}
		}(client)

		go func(c *ws.Client) {
			for range c.Reconnects() {
				if r.tel != nil {
					r.tel.WSReconnects.WithLabelValues(r.spec.Venue).Inc()
				}
			}
		}(client)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (r *Runner) runConnection(ctx context.Context, client *ws.Client, reqs []domain.DataRequest, adapters map[string]MessageAdapter, opts FilterOptions, out chan<- Item) {
	lastSeen := make(map[string]time.Time)
	seenKeys := make(map[string]struct{})
	reqByName := make(map[string]domain.DataRequest, len(reqs))
	for _, req := range reqs {
		name, _ := r.spec.BuildStreamName(req)
		reqByName[name] = req
	}

	for msg := range client.Messages() {
		if r.tel != nil {
			r.tel.WSMessagesIn.WithLabelValues(r.spec.Venue).Inc()
		}
		for name, adapter := range adapters {
			if !adapter.IsRelevant(msg) {
				continue
			}
			val, err := adapter.Parse(msg)
			if err != nil {
				if r.tel != nil {
					r.tel.WSDroppedMsgs.WithLabelValues(r.spec.Venue, "parse_error").Inc()
				}
				select {
				case out <- Item{Request: reqByName[name], Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			if !passesFilters(val, name, opts, lastSeen, seenKeys) {
				if r.tel != nil {
					r.tel.WSDroppedMsgs.WithLabelValues(r.spec.Venue, "filtered").Inc()
				}
				continue
			}
			if r.tel != nil {
				r.tel.WSMessagesOut.WithLabelValues(r.spec.Venue).Inc()
			}
			select {
			case out <- Item{Request: reqByName[name], Value: val}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func passesFilters(val any, key string, opts FilterOptions, lastSeen map[string]time.Time, seenKeys map[string]struct{}) bool {
	if opts.ClosedOnly {
		if bar, ok := val.(domain.StreamingBar); ok && !bar.IsClosed {
			return false
		}
	}
	if opts.ThrottleWindow > 0 {
		now := time.Now()
		if last, ok := lastSeen[key]; ok && now.Sub(last) < opts.ThrottleWindow {
			return false
		}
		lastSeen[key] = now
	}
	if opts.Dedupe {
		if dk, ok := val.(dedupeKeyer); ok {
			k := key + "|" + dk.DedupeKey()
			if _, seen := seenKeys[k]; seen {
				return false
			}
			seenKeys[k] = struct{}{}
		}
	}
	return true
}

// Close drops the Runner's record of the connections it opened; it does
// not stop them. Each connection stops when the ctx passed to Subscribe is
// cancelled.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = nil
}

func chunkRequests(reqs []domain.DataRequest, maxPerConn int, combinedSupported bool) [][]domain.DataRequest {
	if !combinedSupported || maxPerConn <= 1 {
		groups := make([][]domain.DataRequest, 0, len(reqs))
		for _, req := range reqs {
			groups = append(groups, []domain.DataRequest{req})
		}
		return groups
	}
	var groups [][]domain.DataRequest
	for i := 0; i < len(reqs); i += maxPerConn {
		end := i + maxPerConn
		if end > len(reqs) {
			end = len(reqs)
		}
		groups = append(groups, reqs[i:end])
	}
	return groups
}
