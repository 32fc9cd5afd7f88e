// Package router implements spec.md §4.9's top-level dispatcher: it holds
// one Provider per venue and routes a DataRequest to the right one after
// confirming the venue is registered at all (capability gating for the
// specific feature/market/instrument combination happens inside the
// Provider itself). Grounded on the teacher's factory-registry pattern in
// internal/data/exchanges (package-level adapter constructors keyed by
// exchange name), generalized into an explicit registry type.
package router

import (
	"context"
	"sort"

	"github.com/sawpanic/marketdata/internal/breaker"
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/provider"
	"github.com/sawpanic/marketdata/internal/wsrunner"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Router dispatches requests to the registered venue Providers. Breakers is
// optional; when set, every REST Route call for a venue is guarded by that
// venue's circuit breaker so a venue returning sustained errors stops
// taking traffic until it recovers (streaming bypasses the breaker — the
// stream runner has its own reconnect/backoff loop for sustained failure).
type Router struct {
	providers map[string]*provider.Provider
	Breakers  *breaker.Manager
}

// New constructs an empty Router with no breaker guarding.
func New() *Router {
	return &Router{providers: make(map[string]*provider.Provider)}
}

// NewWithBreakers constructs a Router that guards every Route call through
// mgr's per-venue circuit breaker.
func NewWithBreakers(mgr *breaker.Manager) *Router {
	return &Router{providers: make(map[string]*provider.Provider), Breakers: mgr}
}

// Register binds a venue name to its Provider. Venue names are matched
// case-sensitively against DataRequest.Exchange.
func (r *Router) Register(venue string, p *provider.Provider) {
	r.providers[venue] = p
}

// Venues lists every registered venue name, sorted for stable output.
func (r *Router) Venues() []string {
	out := make([]string, 0, len(r.providers))
	for v := range r.providers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Route dispatches req to its venue's Provider.Fetch, guarded by that
// venue's circuit breaker when Breakers is set.
func (r *Router) Route(ctx context.Context, req domain.DataRequest) (any, error) {
	p, ok := r.providers[req.Exchange]
	if !ok {
		return nil, xerrors.Validation("unknown exchange %q", req.Exchange)
	}
	if r.Breakers == nil {
		return p.Fetch(ctx, req)
	}
	return r.Breakers.Get(req.Exchange).Do(ctx, func(ctx context.Context) (any, error) {
		return p.Fetch(ctx, req)
	})
}

// RouteStream dispatches a batch of same-venue, same-feature requests to
// their venue's Provider.Stream.
func (r *Router) RouteStream(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
	if len(reqs) == 0 {
		return nil, xerrors.Validation("stream requires at least one request")
	}
	venue := reqs[0].Exchange
	for _, req := range reqs {
		if req.Exchange != venue {
			return nil, xerrors.Validation("stream batch must target one exchange, got %s and %s", venue, req.Exchange)
		}
	}
	p, ok := r.providers[venue]
	if !ok {
		return nil, xerrors.Validation("unknown exchange %q", venue)
	}
	return p.Stream(ctx, reqs)
}
