// Package provider implements spec.md §4.8's unified per-venue façade: one
// Provider composes a venue's REST runner, stream runner, and symbol
// mapper behind a single feature-handler registry, so the router (§4.9)
// only ever talks to the Provider interface regardless of venue. Grounded
// on the teacher's internal/data/exchanges/binance/adapter.go, which wraps
// guards.ProviderGuard + a raw REST client behind the shared
// interfaces.Exchange surface; this package generalizes that shape across
// every feature the expanded spec adds (derivatives, symbol metadata,
// streaming), not just klines/order-book.
package provider

import (
	"context"

	"github.com/sawpanic/marketdata/internal/capability"
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/wsrunner"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

// FetchFunc executes one historical/snapshot request and returns a domain
// value (domain.OHLCV, domain.OrderBook, []domain.Trade, domain.Symbol,
// etc., per the feature it is registered under).
type FetchFunc func(ctx context.Context, req domain.DataRequest) (any, error)

// StreamFunc opens a live subscription and returns a channel of wsrunner
// Items. No teardown function is returned; the subscription is tied to ctx.
type StreamFunc func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error)

// Provider is one venue's unified data surface.
type Provider struct {
	Venue string

	fetchers map[domain.DataFeature]FetchFunc
	streams  map[domain.DataFeature]StreamFunc
	caps     *capability.Registry
}

// New constructs a Provider bound to caps (typically shared across venues
// so the router can query it without knowing which Provider will serve a
// request).
func New(venue string, caps *capability.Registry) *Provider {
	return &Provider{
		Venue:    venue,
		fetchers: make(map[domain.DataFeature]FetchFunc),
		streams:  make(map[domain.DataFeature]StreamFunc),
		caps:     caps,
	}
}

// RegisterFetch binds feature to fn for historical/snapshot requests.
func (p *Provider) RegisterFetch(feature domain.DataFeature, fn FetchFunc) {
	p.fetchers[feature] = fn
}

// RegisterStream binds feature to fn for live subscriptions.
func (p *Provider) RegisterStream(feature domain.DataFeature, fn StreamFunc) {
	p.streams[feature] = fn
}

// Fetch validates req against the capability registry, then dispatches to
// the registered handler for req.Feature.
func (p *Provider) Fetch(ctx context.Context, req domain.DataRequest) (any, error) {
	req.Exchange = p.Venue
	if _, err := p.caps.Check(req); err != nil {
		return nil, err
	}
	fn, ok := p.fetchers[req.Feature]
	if !ok {
		return nil, xerrors.Capability(p.Venue, string(req.Feature), string(domain.TransportREST), "no handler registered")
	}
	return fn(ctx, req)
}

// Stream validates every request against the capability registry, then
// dispatches to the registered stream handler (all requests in one call
// must share the same feature; the stream runner fans them across
// connections internally).
func (p *Provider) Stream(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
	if len(reqs) == 0 {
		return nil, xerrors.Validation("stream requires at least one request")
	}
	feature := reqs[0].Feature
	for i := range reqs {
		reqs[i].Exchange = p.Venue
		reqs[i].Transport = domain.TransportWS
		if reqs[i].Feature != feature {
			return nil, xerrors.Validation("stream batch must share one feature, got %s and %s", feature, reqs[i].Feature)
		}
		if _, err := p.caps.Check(reqs[i]); err != nil {
			return nil, err
		}
	}
	fn, ok := p.streams[feature]
	if !ok {
		return nil, xerrors.Capability(p.Venue, string(feature), string(domain.TransportWS), "no stream handler registered")
	}
	return fn(ctx, reqs)
}

// Capabilities exposes the shared capability registry so callers (tests,
// router introspection) can query support without issuing a request.
func (p *Provider) Capabilities() *capability.Registry { return p.caps }
