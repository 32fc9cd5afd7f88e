// Package capability implements spec.md §4.6's capability registry: a
// static (venue, feature, transport, market, instrument) → status table
// consulted before any provider call is attempted, so unsupported
// combinations fail fast with xerrors.Capability instead of reaching a
// venue connector. Grounded on the teacher's per-exchange Exchange
// interface in internal/data/interfaces/types.go, which implicitly encodes
// capability by which methods an adapter chooses to implement; this package
// makes that table explicit and queryable.
package capability

import (
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Status is the outcome of a capability lookup.
type Status int

const (
	Unsupported Status = iota
	Supported
	Partial // supported with caveats (e.g. reduced history depth)
)

// Key identifies one routeable combination.
type Key struct {
	Venue      string
	Feature    domain.DataFeature
	Transport  domain.TransportKind
	Market     domain.MarketType
	Instrument domain.InstrumentType
}

// DescribeFunc lets a venue connector answer dynamically instead of (or in
// addition to) the static table, e.g. when support depends on a symbol's
// contract type.
type DescribeFunc func(req domain.DataRequest) Status

// Registry holds the static table plus optional per-venue dynamic hooks.
type Registry struct {
	table   map[Key]Status
	dynamic map[string]DescribeFunc
}

// NewRegistry constructs an empty Registry. Every combination not
// explicitly declared is Unsupported (spec.md §4.6's default-deny rule).
func NewRegistry() *Registry {
	return &Registry{
		table:   make(map[Key]Status),
		dynamic: make(map[string]DescribeFunc),
	}
}

// Declare registers a static capability. Call this once per venue during
// connector construction.
func (r *Registry) Declare(key Key, status Status) {
	r.table[key] = status
}

// DeclareDynamic registers a per-venue dynamic hook, consulted after the
// static table reports Supported or Partial, letting a connector further
// restrict a statically-declared capability per request.
func (r *Registry) DeclareDynamic(venue string, fn DescribeFunc) {
	r.dynamic[venue] = fn
}

// Check reports whether req's combination is routeable. It returns a
// xerrors.Capability error when the answer is Unsupported.
func (r *Registry) Check(req domain.DataRequest) (Status, error) {
	key := Key{
		Venue:      req.Exchange,
		Feature:    req.Feature,
		Transport:  req.Transport,
		Market:     req.MarketType,
		Instrument: req.InstrumentType,
	}
	status, ok := r.table[key]
	if !ok {
		status = Unsupported
	}
	if status != Unsupported {
		if fn, ok := r.dynamic[req.Exchange]; ok {
			status = fn(req)
		}
	}
	if status == Unsupported {
		return status, xerrors.Capability(req.Exchange, string(req.Feature), string(req.Transport), "not supported for this market/instrument combination")
	}
	return status, nil
}
