// Package coinbase wires Coinbase Exchange's REST + WebSocket surfaces into
// the shared provider/router pipeline. Coinbase's REST candles return
// plain numeric (not string) fields and its trade ids are small integers
// while its WebSocket "match" channel carries UUID-typed trade_id-adjacent
// fields in some product types, the motivating case for keeping
// domain.Trade.TradeID string-typed end to end (see the expanded spec's
// Open Question resolution).
package coinbase

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/shopspring/decimal"

	json "github.com/segmentio/encoding/json"

	"github.com/sawpanic/marketdata/internal/capability"
	"github.com/sawpanic/marketdata/internal/chunk"
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/provider"
	"github.com/sawpanic/marketdata/internal/rest"
	"github.com/sawpanic/marketdata/internal/telemetry"
	transporthttp "github.com/sawpanic/marketdata/internal/transport/http"
	"github.com/sawpanic/marketdata/internal/transport/ws"
	"github.com/sawpanic/marketdata/internal/wsrunner"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

const Venue = "COINBASE"

var granularityByTimeframe = map[domain.Timeframe]int{
	domain.M1: 60, domain.M5: 300, domain.M15: 900,
	domain.H1: 3600, domain.H4: 21600, domain.D1: 86400,
}

// candlePolicy mirrors Coinbase Exchange's documented 300-candle-per-call
// cap.
var candlePolicy = chunk.Policy{
	MaxPoints:            300,
	MaxChunks:            50,
	SupportsAutoChunking: true,
	Weight:               chunk.WeightPolicy{Static: 1},
}

// New builds a fully wired Provider for Coinbase Exchange spot products.
// Canonical symbols use venue dashes internally (e.g. caller passes
// "BTC-USD" as req.Symbol) since Coinbase product ids are not a
// base+quote concatenation the symbol.Mapper's generic splitter can invert
// without a per-asset table; callers pass the product id directly. tel may
// be nil; when set, chunk execution events are recorded on it.
func New(restBase, wsBase string, caps *capability.Registry, tel *telemetry.Registry) *provider.Provider {
	transport := transporthttp.New(transporthttp.Config{Venue: Venue, BaseURL: restBase})
	runner := rest.NewRunner(Venue, transport)
	executor := chunk.Executor{Endpoint: "coinbase.candles", Policy: candlePolicy, Tel: tel}

	p := provider.New(Venue, caps)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)

	productsSpec := rest.EndpointSpec{
		Name:   "coinbase.products",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			return "/products", nil, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeProducts(body)
		},
	}
	p.RegisterFetch(domain.FeatureSymbolMetadata, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, productsSpec, req)
	})

	candleSpec := rest.EndpointSpec{
		Name:   "coinbase.candles",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			g, ok := granularityByTimeframe[req.Timeframe]
			if !ok {
				return "", nil, xerrors.InvalidInterval(Venue, req.Timeframe)
			}
			q := url.Values{}
			q.Set("granularity", strconv.Itoa(g))
			start, end := req.StartTime, req.EndTime
			if raw, ok := req.ExtraParams["__start"]; ok {
				if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
					t := time.UnixMilli(ms).UTC()
					start = &t
				}
			}
			if raw, ok := req.ExtraParams["__end"]; ok {
				if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
					t := time.UnixMilli(ms).UTC()
					end = &t
				}
			}
			if start != nil {
				q.Set("start", start.UTC().Format(time.RFC3339))
			}
			if end != nil {
				q.Set("end", end.UTC().Format(time.RFC3339))
			}
			return fmt.Sprintf("/products/%s/candles", req.Symbol), q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			bars, err := decodeCandles(body)
			if err != nil {
				return nil, err
			}
			return domain.OHLCV{Meta: domain.SeriesMeta{Symbol: req.Symbol, Timeframe: req.Timeframe}, Bars: bars}, nil
		},
	}
	p.RegisterFetch(domain.FeatureOHLCV, func(ctx context.Context, req domain.DataRequest) (any, error) {
		plan, _, err := (chunk.Planner{}).Plan(req, candlePolicy)
		if err != nil {
			return nil, err
		}
		meta := domain.SeriesMeta{Symbol: req.Symbol, Timeframe: req.Timeframe}
		fetch := chunk.RESTFetcher(runner, candleSpec, req, decodeCandles)
		return executor.Execute(ctx, meta, plan, fetch, req.Limit)
	})

	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		spec := wsrunner.WSEndpointSpec{
			Venue:                   Venue,
			CombinedSupported:       true,
			MaxStreamsPerConnection: 100,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				return req.Symbol, nil
			},
			BuildSingleURL:   func(name string) string { return wsBase },
			BuildCombinedURL: func(names []string) string { return wsBase },
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return matchAdapter{symbol: req.Symbol}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	return p
}

// [time, low, high, open, close, volume] — note the non-OHLC field order.
type candleRow [6]float64

func decodeCandles(body []byte) ([]domain.Bar, error) {
	var rows []candleRow
	if err := json.Unmarshal(body, &rows); err != nil {
		// Coinbase returns {"message": "..."} instead of an array on error.
		var errEnv struct {
			Message string `json:"message"`
		}
		if jsonErr := json.Unmarshal(body, &errEnv); jsonErr == nil && errEnv.Message != "" {
			return nil, xerrors.Provider(Venue, "api_error", errEnv.Message, 0)
		}
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode candles: %v", err))
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(int64(row[0]), 0).UTC(),
			Low:       decimal.NewFromFloat(row[1]),
			High:      decimal.NewFromFloat(row[2]),
			Open:      decimal.NewFromFloat(row[3]),
			Close:     decimal.NewFromFloat(row[4]),
			Volume:    decimal.NewFromFloat(row[5]),
			IsClosed:  true,
		})
	}
	// Coinbase returns newest-first; reverse to ascending.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

type productEntry struct {
	ID           string `json:"id"`
	BaseCurrency string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	Status       string `json:"status"`
	QuoteIncrement string `json:"quote_increment"`
	BaseIncrement  string `json:"base_increment"`
	MinMarketFunds string `json:"min_market_funds"`
}

func decodeProducts(body []byte) ([]domain.Symbol, error) {
	var rows []productEntry
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode products: %v", err))
	}
	out := make([]domain.Symbol, 0, len(rows))
	for _, r := range rows {
		status := domain.StatusTrading
		if r.Status != "online" {
			status = domain.StatusBreak
		}
		sym := domain.Symbol{
			Symbol:     r.ID,
			BaseAsset:  r.BaseCurrency,
			QuoteAsset: r.QuoteCurrency,
			Status:     status,
		}
		if d, err := decimal.NewFromString(r.QuoteIncrement); err == nil {
			sym.TickSize = decimal.NewNullDecimal(d)
		}
		if d, err := decimal.NewFromString(r.BaseIncrement); err == nil {
			sym.StepSize = decimal.NewNullDecimal(d)
		}
		if d, err := decimal.NewFromString(r.MinMarketFunds); err == nil {
			sym.MinNotional = decimal.NewNullDecimal(d)
		}
		out = append(out, sym)
	}
	return out, nil
}

type matchAdapter struct{ symbol string }

type coinbaseMatch struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	TradeID   int64  `json:"trade_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Time      string `json:"time"`
}

func (a matchAdapter) IsRelevant(msg ws.Message) bool {
	var probe struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return false
	}
	return (probe.Type == "match" || probe.Type == "last_match") && probe.ProductID == a.symbol
}

func (a matchAdapter) Parse(msg ws.Message) (any, error) {
	var m coinbaseMatch
	if err := json.Unmarshal(msg.Raw, &m); err != nil {
		return nil, xerrors.Data(Venue, "decode match: "+err.Error())
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid match price: "+err.Error())
	}
	size, err := decimal.NewFromString(m.Size)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid match size: "+err.Error())
	}
	ts, err := iso8601.ParseString(m.Time)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid match time: "+err.Error())
	}
	return domain.Trade{
		Symbol:       m.ProductID,
		TradeID:      strconv.FormatInt(m.TradeID, 10),
		Price:        price,
		Quantity:     size,
		Timestamp:    ts.UTC(),
		IsBuyerMaker: m.Side == "sell",
	}, nil
}
