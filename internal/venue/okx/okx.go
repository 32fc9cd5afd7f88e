// Package okx wires OKX's v5 REST + public WebSocket surfaces into the
// shared provider/router pipeline. Grounded directly on the pack's
// other_examples OKX types file (string-encoded numeric fields, candle
// array rows, {code,msg,data} envelope), reimplemented here against
// rest.Runner/wsrunner.Runner instead of that file's raw struct tags.
package okx

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
	"github.com/sawpanic/marketdata/internal/telemetry"
	transporthttp "github.com/sawpanic/marketdata/internal/transport/http"
	"github.com/sawpanic/marketdata/internal/transport/ws"
	"github.com/sawpanic/marketdata/internal/wsrunner"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

const Venue = "OKX"

var barByTimeframe = map[domain.Timeframe]string{
	domain.M1: "1m", domain.M5: "5m", domain.M15: "15m", domain.M30: "30m",
	domain.H1: "1H", domain.H4: "4H", domain.D1: "1D", domain.W1: "1W", domain.MO1: "1M",
}

// candlePolicy mirrors OKX's documented 300-candle-per-call cap.
var candlePolicy = chunk.Policy{
	MaxPoints:            300,
	MaxChunks:            50,
	SupportsAutoChunking: true,
	Weight:               chunk.WeightPolicy{Static: 1},
}

// New builds a fully wired Provider for OKX spot instruments (instType
// "SPOT"; swap/futures instTypes reuse the same candle/trade shape and
// would register under a different market/instrument pair). tel may be
// nil; when set, chunk execution events are recorded on it.
func New(restBase, wsBase string, caps *capability.Registry, tel *telemetry.Registry) *provider.Provider {
	transport := transporthttp.New(transporthttp.Config{Venue: Venue, BaseURL: restBase})
	runner := rest.NewRunner(Venue, transport)
	executor := chunk.Executor{Endpoint: "okx.candles", Policy: candlePolicy, Tel: tel}

	p := provider.New(Venue, caps)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)

	instrumentsSpec := rest.EndpointSpec{
		Name:   "okx.instruments",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			q := url.Values{}
			q.Set("instType", "SPOT")
			return "/api/v5/public/instruments", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeInstruments(body)
		},
	}
	p.RegisterFetch(domain.FeatureSymbolMetadata, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, instrumentsSpec, req)
	})

	candleSpec := rest.EndpointSpec{
		Name:   "okx.candles",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			bar, ok := barByTimeframe[req.Timeframe]
			if !ok {
				return "", nil, xerrors.InvalidInterval(Venue, req.Timeframe)
			}
			q := url.Values{}
			q.Set("instId", req.Symbol)
			q.Set("bar", bar)
			start, end, limit := req.StartTime, req.EndTime, req.Limit
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
			if raw, ok := req.ExtraParams["__limit"]; ok {
				if n, err := strconv.Atoi(raw); err == nil {
					limit = n
				}
			}
			if limit <= 0 || limit > 300 {
				limit = 100
			}
			q.Set("limit", strconv.Itoa(limit))
			if start != nil {
				q.Set("after", strconv.FormatInt(start.UnixMilli(), 10))
			}
			if end != nil {
				q.Set("before", strconv.FormatInt(end.UnixMilli(), 10))
			}
			path := "/api/v5/market/candles"
			if req.Historical {
				path = "/api/v5/market/history-candles"
			}
			return path, q, nil
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
			MaxStreamsPerConnection: 50,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				return req.Symbol, nil
			},
			BuildSingleURL:   func(name string) string { return wsBase },
			BuildCombinedURL: func(names []string) string { return wsBase },
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return tradeAdapter{symbol: req.Symbol}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	return p
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func decodeCandles(body []byte) ([]domain.Bar, error) {
	var env okxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.Code != "0" {
		return nil, xerrors.Provider(Venue, env.Code, env.Msg, 0)
	}
	var rows [][]string
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode candle rows: %v", err))
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, xerrors.Data(Venue, "malformed candle row")
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid candle timestamp: "+err.Error())
		}
		open, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid open: "+err.Error())
		}
		high, err := decimal.NewFromString(row[2])
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid high: "+err.Error())
		}
		low, err := decimal.NewFromString(row[3])
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid low: "+err.Error())
		}
		closePrice, err := decimal.NewFromString(row[4])
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid close: "+err.Error())
		}
		volume, err := decimal.NewFromString(row[5])
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid volume: "+err.Error())
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.UnixMilli(ms).UTC(),
			Open:      open, High: high, Low: low, Close: closePrice, Volume: volume,
			IsClosed: true,
		})
	}
	// OKX returns newest-first; reverse to ascending.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

type instrumentEntry struct {
	InstID    string `json:"instId"`
	BaseCcy   string `json:"baseCcy"`
	QuoteCcy  string `json:"quoteCcy"`
	State     string `json:"state"`
	TickSz    string `json:"tickSz"`
	LotSz     string `json:"lotSz"`
	MinSz     string `json:"minSz"`
}

func decodeInstruments(body []byte) ([]domain.Symbol, error) {
	var env okxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.Code != "0" {
		return nil, xerrors.Provider(Venue, env.Code, env.Msg, 0)
	}
	var rows []instrumentEntry
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode instruments: %v", err))
	}
	out := make([]domain.Symbol, 0, len(rows))
	for _, r := range rows {
		status := domain.StatusTrading
		if r.State != "live" {
			status = domain.StatusBreak
		}
		sym := domain.Symbol{
			Symbol:     r.InstID,
			BaseAsset:  r.BaseCcy,
			QuoteAsset: r.QuoteCcy,
			Status:     status,
		}
		if d, err := decimal.NewFromString(r.TickSz); err == nil {
			sym.TickSize = decimal.NewNullDecimal(d)
		}
		if d, err := decimal.NewFromString(r.LotSz); err == nil {
			sym.StepSize = decimal.NewNullDecimal(d)
		}
		if d, err := decimal.NewFromString(r.MinSz); err == nil {
			sym.MinNotional = decimal.NewNullDecimal(d)
		}
		out = append(out, sym)
	}
	return out, nil
}

type tradeAdapter struct{ symbol string }

type okxTradeFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		TradeID string `json:"tradeId"`
		Price   string `json:"px"`
		Size    string `json:"sz"`
		Side    string `json:"side"`
		Time    string `json:"ts"`
	} `json:"data"`
}

func (a tradeAdapter) IsRelevant(msg ws.Message) bool {
	var frame okxTradeFrame
	if err := json.Unmarshal(msg.Raw, &frame); err != nil {
		return false
	}
	return frame.Arg.Channel == "trades" && frame.Arg.InstID == a.symbol
}

func (a tradeAdapter) Parse(msg ws.Message) (any, error) {
	var frame okxTradeFrame
	if err := json.Unmarshal(msg.Raw, &frame); err != nil {
		return nil, xerrors.Data(Venue, "decode trade frame: "+err.Error())
	}
	if len(frame.Data) == 0 {
		return nil, xerrors.Data(Venue, "empty trade frame")
	}
	t := frame.Data[0]
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade price: "+err.Error())
	}
	qty, err := decimal.NewFromString(t.Size)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade quantity: "+err.Error())
	}
	ms, err := strconv.ParseInt(t.Time, 10, 64)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade timestamp: "+err.Error())
	}
	return domain.Trade{
		Symbol:       a.symbol,
		TradeID:      t.TradeID,
		Price:        price,
		Quantity:     qty,
		Timestamp:    time.UnixMilli(ms).UTC(),
		IsBuyerMaker: t.Side == "sell",
	}, nil
}
