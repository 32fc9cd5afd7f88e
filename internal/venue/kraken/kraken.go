// Package kraken wires Kraken's REST + WebSocket surfaces into the shared
// provider/router pipeline. Directly grounded on the teacher's
// internal/providers/kraken/client.go (GetOrderBook, normalizePairName,
// isUSDPair) and internal/providers/kraken/websocket.go
// (SubscribeOrderBook/SubscribeTrades), reimplemented against
// rest.Runner/wsrunner.Runner and the shared symbol.Mapper instead of
// venue-private helpers.
package kraken

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	json "github.com/segmentio/encoding/json"

	"github.com/sawpanic/marketdata/internal/capability"
	"github.com/sawpanic/marketdata/internal/chunk"
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/provider"
	"github.com/sawpanic/marketdata/internal/rest"
	"github.com/sawpanic/marketdata/internal/symbol"
	"github.com/sawpanic/marketdata/internal/telemetry"
	transporthttp "github.com/sawpanic/marketdata/internal/transport/http"
	"github.com/sawpanic/marketdata/internal/transport/ws"
	"github.com/sawpanic/marketdata/internal/wsrunner"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

const Venue = "KRAKEN"

var intervalMinutes = map[domain.Timeframe]int{
	domain.M1: 1, domain.M5: 5, domain.M15: 15, domain.M30: 30,
	domain.H1: 60, domain.H4: 240, domain.D1: 1440, domain.W1: 10080,
}

func newMapper() *symbol.Mapper {
	return symbol.New(Venue,
		symbol.WithSeparator("/"),
		symbol.WithAsset("BTC", "XBT"),
		symbol.WithAsset("DOGE", "XDG"),
	)
}

// ohlcPolicy mirrors Kraken's documented 720-candle-per-call cap; Kraken's
// OHLC endpoint has no end-of-window parameter, only a "since" cursor, so
// each page simply returns whatever is newest up to that cap.
var ohlcPolicy = chunk.Policy{
	MaxPoints:            720,
	MaxChunks:            50,
	SupportsAutoChunking: true,
	Weight:               chunk.WeightPolicy{Static: 1},
}

// New builds a fully wired Provider for Kraken spot markets. quoteAssets
// lists the quote currencies New should be able to split canonical symbols
// on (e.g. "USD", "USDT", "EUR") since Kraken spot trades against multiple
// fiat and stable quotes. tel may be nil; when set, chunk execution events
// are recorded on it.
func New(restBase, wsBase string, quoteAssets []string, caps *capability.Registry, tel *telemetry.Registry) *provider.Provider {
	transport := transporthttp.New(transporthttp.Config{Venue: Venue, BaseURL: restBase})
	runner := rest.NewRunner(Venue, transport)
	mapper := newMapper()
	executor := chunk.Executor{Endpoint: "kraken.ohlc", Policy: ohlcPolicy, Tel: tel}

	p := provider.New(Venue, caps)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOrderBook, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)

	assetPairsSpec := rest.EndpointSpec{
		Name:   "kraken.assetPairs",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			return "/0/public/AssetPairs", nil, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeAssetPairs(body)
		},
	}
	p.RegisterFetch(domain.FeatureSymbolMetadata, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, assetPairsSpec, req)
	})

	splitQuote := func(canonical string) (string, error) {
		for _, q := range quoteAssets {
			if len(canonical) > len(q) && canonical[len(canonical)-len(q):] == q {
				return q, nil
			}
		}
		return "", xerrors.SymbolResolution(Venue, canonical)
	}

	ohlcSpec := rest.EndpointSpec{
		Name:   "kraken.ohlc",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			minutes, ok := intervalMinutes[req.Timeframe]
			if !ok {
				return "", nil, xerrors.InvalidInterval(Venue, req.Timeframe)
			}
			quote, err := splitQuote(req.Symbol)
			if err != nil {
				return "", nil, err
			}
			pair, err := mapper.ToVenue(req.Symbol, quote)
			if err != nil {
				return "", nil, err
			}
			q := url.Values{}
			q.Set("pair", pair)
			q.Set("interval", strconv.Itoa(minutes))
			start := req.StartTime
			if raw, ok := req.ExtraParams["__start"]; ok {
				if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
					t := time.UnixMilli(ms).UTC()
					start = &t
				}
			}
			if start != nil {
				q.Set("since", strconv.FormatInt(start.Unix(), 10))
			}
			return "/0/public/OHLC", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			bars, err := decodeOHLC(body)
			if err != nil {
				return nil, err
			}
			return domain.OHLCV{Meta: domain.SeriesMeta{Symbol: req.Symbol, Timeframe: req.Timeframe}, Bars: bars}, nil
		},
	}
	p.RegisterFetch(domain.FeatureOHLCV, func(ctx context.Context, req domain.DataRequest) (any, error) {
		plan, _, err := (chunk.Planner{}).Plan(req, ohlcPolicy)
		if err != nil {
			return nil, err
		}
		meta := domain.SeriesMeta{Symbol: req.Symbol, Timeframe: req.Timeframe}
		fetch := chunk.RESTFetcher(runner, ohlcSpec, req, decodeOHLC)
		return executor.Execute(ctx, meta, plan, fetch, req.Limit)
	})

	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		spec := wsrunner.WSEndpointSpec{
			Venue:                   Venue,
			CombinedSupported:       false, // Kraken's public WS subscribes per-pair over one connection via subscribe messages, not combined-stream URLs
			MaxStreamsPerConnection: 1,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				quote, err := splitQuote(req.Symbol)
				if err != nil {
					return "", err
				}
				return mapper.ToVenue(req.Symbol, quote)
			},
			BuildSingleURL: func(name string) string { return wsBase },
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return tradeAdapter{symbol: req.Symbol}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	return p
}

// krakenOHLCResponse mirrors Kraken's envelope: {"error": [...], "result": {"<pair>": [[...]], "last": n}}.
type krakenOHLCResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

func decodeOHLC(body []byte) ([]domain.Bar, error) {
	var resp krakenOHLCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode OHLC envelope: %v", err))
	}
	if len(resp.Error) > 0 {
		return nil, xerrors.Provider(Venue, "api_error", resp.Error[0], 0)
	}
	var rows [][]json.RawMessage
	for k, raw := range resp.Result {
		if k == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, xerrors.Data(Venue, fmt.Sprintf("decode OHLC rows: %v", err))
		}
		break
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, xerrors.Data(Venue, "malformed OHLC row")
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, xerrors.Data(Venue, "invalid OHLC timestamp: "+err.Error())
		}
		open, err := decodeDecimalAny(row[1])
		if err != nil {
			return nil, err
		}
		high, err := decodeDecimalAny(row[2])
		if err != nil {
			return nil, err
		}
		low, err := decodeDecimalAny(row[3])
		if err != nil {
			return nil, err
		}
		closePrice, err := decodeDecimalAny(row[4])
		if err != nil {
			return nil, err
		}
		volume, err := decodeDecimalAny(row[6])
		if err != nil {
			return nil, err
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			IsClosed:  true,
		})
	}
	return bars, nil
}

type krakenPairInfo struct {
	Base       string `json:"base"`
	Quote      string `json:"quote"`
	PairDecimals int  `json:"pair_decimals"`
	LotDecimals  int  `json:"lot_decimals"`
	OrderMin   string `json:"ordermin"`
	Status     string `json:"status"`
}

type krakenAssetPairsResponse struct {
	Error  []string                  `json:"error"`
	Result map[string]krakenPairInfo `json:"result"`
}

func decodeAssetPairs(body []byte) ([]domain.Symbol, error) {
	var resp krakenAssetPairsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode asset pairs: %v", err))
	}
	if len(resp.Error) > 0 {
		return nil, xerrors.Provider(Venue, "api_error", resp.Error[0], 0)
	}
	out := make([]domain.Symbol, 0, len(resp.Result))
	for name, info := range resp.Result {
		status := domain.StatusTrading
		if info.Status != "" && info.Status != "online" {
			status = domain.StatusBreak
		}
		sym := domain.Symbol{
			Symbol:     name,
			BaseAsset:  info.Base,
			QuoteAsset: info.Quote,
			Status:     status,
			TickSize:   decimal.NewNullDecimal(decimal.New(1, int32(-info.PairDecimals))),
			StepSize:   decimal.NewNullDecimal(decimal.New(1, int32(-info.LotDecimals))),
		}
		if d, err := decimal.NewFromString(info.OrderMin); err == nil {
			sym.MinNotional = decimal.NewNullDecimal(d)
		}
		out = append(out, sym)
	}
	return out, nil
}

func decodeDecimalAny(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, xerrors.Data(Venue, "invalid decimal "+s+": "+err.Error())
		}
		return d, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return decimal.Decimal{}, xerrors.Data(Venue, "unparseable numeric field")
	}
	return decimal.NewFromFloat(f), nil
}

type tradeAdapter struct{ symbol string }

func (a tradeAdapter) IsRelevant(msg ws.Message) bool {
	arr, ok := msg.Decoded.([]any)
	if !ok || len(arr) < 4 {
		return false
	}
	channel, _ := arr[len(arr)-2].(string)
	return channel == "trade"
}

func (a tradeAdapter) Parse(msg ws.Message) (any, error) {
	arr, ok := msg.Decoded.([]any)
	if !ok || len(arr) < 2 {
		return nil, xerrors.Data(Venue, "malformed trade frame")
	}
	rows, ok := arr[1].([]any)
	if !ok || len(rows) == 0 {
		return nil, xerrors.Data(Venue, "empty trade frame")
	}
	first, ok := rows[0].([]any)
	if !ok || len(first) < 3 {
		return nil, xerrors.Data(Venue, "malformed trade row")
	}
	priceStr, _ := first[0].(string)
	qtyStr, _ := first[1].(string)
	tsStr, _ := first[2].(string)

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade price: "+err.Error())
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade quantity: "+err.Error())
	}
	tsFloat, err := decimal.NewFromString(tsStr)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade timestamp: "+err.Error())
	}
	seconds := tsFloat.IntPart()
	nanos := tsFloat.Sub(decimal.NewFromInt(seconds)).Mul(decimal.NewFromInt(1e9)).IntPart()

	return domain.Trade{
		Symbol:    a.symbol,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.Unix(seconds, nanos).UTC(),
	}, nil
}
