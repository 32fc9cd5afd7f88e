// Package rest implements spec.md §4.4's L2 REST runner: it turns a
// DataRequest into a concrete HTTP call via an EndpointSpec's builder
// callbacks, then hands the raw body to a ResponseAdapter that produces a
// domain value. Grounded on the teacher's internal/providers/kraken/client.go
// request/response plumbing, generalized away from one venue's hardcoded
// endpoints.
package rest

import (
	"context"
	"net/url"

	transporthttp "github.com/sawpanic/marketdata/internal/transport/http"
	"github.com/sawpanic/marketdata/internal/domain"
)

// BuildFunc produces the path and query parameters for req.
type BuildFunc func(req domain.DataRequest) (path string, query url.Values, err error)

// BodyFunc produces the JSON-encodable POST body for req, for endpoints
// like Hyperliquid's single "info" POST surface that take no query
// parameters at all.
type BodyFunc func(req domain.DataRequest) (any, error)

// ResponseAdapter decodes a raw REST body into a domain value.
type ResponseAdapter func(body []byte, req domain.DataRequest) (any, error)

// EndpointSpec binds one (feature, market, instrument) combination to a
// concrete REST call, matching spec.md §4.4's EndpointSpec type.
type EndpointSpec struct {
	Name    string // metrics/telemetry label, e.g. "binance.klines"
	Method  string // http.MethodGet / http.MethodPost
	Build   BuildFunc
	Body    BodyFunc // optional; only consulted when Method == "POST"
	Adapt   ResponseAdapter

	// ChunkHint optionally names this endpoint's pagination fields. The
	// chunking engine does not read it (pagination keys travel in
	// chunk.Plan), and chunked endpoints may leave it nil.
	ChunkHint *ChunkHint
}

// ChunkHint mirrors the field names of package chunk's Hint as descriptive
// metadata on an EndpointSpec, without rest importing package chunk.
type ChunkHint struct {
	TimestampKey string
	CursorField  string
	LimitField   string
	StartField   string
	EndField     string
}

// Runner executes EndpointSpecs against a single venue's HTTP transport.
type Runner struct {
	Venue     string
	Transport *transporthttp.Client
}

// NewRunner constructs a Runner bound to transport.
func NewRunner(venue string, transport *transporthttp.Client) *Runner {
	return &Runner{Venue: venue, Transport: transport}
}

// Execute performs one request/response round-trip through spec and returns
// the adapted domain value.
func (r *Runner) Execute(ctx context.Context, spec EndpointSpec, req domain.DataRequest) (any, error) {
	path, query, err := spec.Build(req)
	if err != nil {
		return nil, err
	}

	var body []byte
	switch spec.Method {
	case "POST":
		var payload any
		if spec.Body != nil {
			payload, err = spec.Body(req)
			if err != nil {
				return nil, err
			}
		}
		body, err = r.Transport.Post(ctx, path, query, payload, nil)
	default:
		body, err = r.Transport.Get(ctx, path, query, nil)
	}
	if err != nil {
		return nil, err
	}

	return spec.Adapt(body, req)
}

// ExecuteRaw performs the round-trip and returns the undecoded body,
// letting the chunk executor decode each page itself instead of going
// through spec.Adapt.
func (r *Runner) ExecuteRaw(ctx context.Context, spec EndpointSpec, req domain.DataRequest) ([]byte, error) {
	path, query, err := spec.Build(req)
	if err != nil {
		return nil, err
	}
	if spec.Method == "POST" {
		var payload any
		if spec.Body != nil {
			payload, err = spec.Body(req)
			if err != nil {
				return nil, err
			}
		}
		return r.Transport.Post(ctx, path, query, payload, nil)
	}
	return r.Transport.Get(ctx, path, query, nil)
}
