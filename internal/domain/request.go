package domain

import "time"

// DataRequest is the immutable control-plane value the router dispatches.
// Builder methods return a copy; DataRequest is never mutated in place.
type DataRequest struct {
	Feature        DataFeature
	Transport      TransportKind
	Exchange       string
	MarketType     MarketType
	InstrumentType InstrumentType
	Symbol         string
	Symbols        []string
	Timeframe      Timeframe
	StartTime      *time.Time
	EndTime        *time.Time
	Limit          int
	MaxChunks      int
	Depth          int
	Period         string
	Historical     bool
	FromID         string
	ExtraParams    map[string]string
}

// Param returns a builder-facing string parameter map merged from the
// request's typed fields plus ExtraParams. Endpoint spec builder callbacks
// (§4 EndpointSpec) consume this as their params argument.
func (r DataRequest) Param() map[string]string {
	p := make(map[string]string, len(r.ExtraParams)+8)
	for k, v := range r.ExtraParams {
		p[k] = v
	}
	if r.Symbol != "" {
		p["symbol"] = r.Symbol
	}
	if r.Timeframe != "" {
		p["timeframe"] = string(r.Timeframe)
	}
	if r.Period != "" {
		p["period"] = r.Period
	}
	if r.FromID != "" {
		p["fromId"] = r.FromID
	}
	return p
}

// WithSymbol returns a copy of r with Symbol set.
func (r DataRequest) WithSymbol(symbol string) DataRequest {
	r.Symbol = symbol
	return r
}
