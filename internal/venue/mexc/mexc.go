// Package mexc wires MEXC's spot REST + WebSocket surfaces into the shared
// provider/router pipeline. MEXC's spot REST mirrors Binance's kline array
// shape closely (both trace to the same generation of exchange API
// conventions), so this connector reuses that row layout but keeps its own
// package per spec.md's per-venue connector boundary and MEXC's distinct
// base URLs/timeframe spellings.
package mexc

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

const Venue = "MEXC"

var intervalByTimeframe = map[domain.Timeframe]string{
	domain.M1: "1m", domain.M5: "5m", domain.M15: "15m", domain.M30: "30m",
	domain.H1: "60m", domain.H4: "4h", domain.D1: "1d", domain.W1: "1W", domain.MO1: "1M",
}

// klinePolicy mirrors MEXC's Binance-lineage 1000-candle-per-call cap.
var klinePolicy = chunk.Policy{
	MaxPoints:            1000,
	MaxChunks:            50,
	SupportsAutoChunking: true,
	Weight:               chunk.WeightPolicy{Static: 1},
}

// New builds a fully wired Provider for MEXC spot markets. tel may be nil;
// when set, chunk execution events are recorded on it.
func New(restBase, wsBase string, caps *capability.Registry, tel *telemetry.Registry) *provider.Provider {
	transport := transporthttp.New(transporthttp.Config{Venue: Venue, BaseURL: restBase})
	runner := rest.NewRunner(Venue, transport)
	executor := chunk.Executor{Endpoint: "mexc.klines", Policy: klinePolicy, Tel: tel}

	p := provider.New(Venue, caps)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)

	exchangeInfoSpec := rest.EndpointSpec{
		Name:   "mexc.exchangeInfo",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			return "/api/v3/exchangeInfo", nil, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeExchangeInfo(body)
		},
	}
	p.RegisterFetch(domain.FeatureSymbolMetadata, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, exchangeInfoSpec, req)
	})

	klineSpec := rest.EndpointSpec{
		Name:   "mexc.klines",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			iv, ok := intervalByTimeframe[req.Timeframe]
			if !ok {
				return "", nil, xerrors.InvalidInterval(Venue, req.Timeframe)
			}
			q := url.Values{}
			q.Set("symbol", req.Symbol)
			q.Set("interval", iv)
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
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if start != nil {
				q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
			}
			if end != nil {
				q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
			}
			return "/api/v3/klines", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			bars, err := decodeKlines(body)
			if err != nil {
				return nil, err
			}
			return domain.OHLCV{Meta: domain.SeriesMeta{Symbol: req.Symbol, Timeframe: req.Timeframe}, Bars: bars}, nil
		},
	}
	p.RegisterFetch(domain.FeatureOHLCV, func(ctx context.Context, req domain.DataRequest) (any, error) {
		plan, _, err := (chunk.Planner{}).Plan(req, klinePolicy)
		if err != nil {
			return nil, err
		}
		meta := domain.SeriesMeta{Symbol: req.Symbol, Timeframe: req.Timeframe}
		fetch := chunk.RESTFetcher(runner, klineSpec, req, decodeKlines)
		return executor.Execute(ctx, meta, plan, fetch, req.Limit)
	})

	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		spec := wsrunner.WSEndpointSpec{
			Venue:                   Venue,
			CombinedSupported:       false,
			MaxStreamsPerConnection: 1,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				return fmt.Sprintf("spot@public.deals.v3.api@%s", req.Symbol), nil
			},
			BuildSingleURL: func(name string) string { return wsBase },
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return tradeAdapter{symbol: req.Symbol, channel: fmt.Sprintf("spot@public.deals.v3.api@%s", req.Symbol)}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	return p
}

type rawKlineRow [8]json.RawMessage

func decodeKlines(body []byte) ([]domain.Bar, error) {
	var rows []rawKlineRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode klines: %v", err))
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, xerrors.Data(Venue, "invalid kline timestamp: "+err.Error())
		}
		open, err := decodeDecimal(row[1])
		if err != nil {
			return nil, err
		}
		high, err := decodeDecimal(row[2])
		if err != nil {
			return nil, err
		}
		low, err := decodeDecimal(row[3])
		if err != nil {
			return nil, err
		}
		closePrice, err := decodeDecimal(row[4])
		if err != nil {
			return nil, err
		}
		volume, err := decodeDecimal(row[5])
		if err != nil {
			return nil, err
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.UnixMilli(ts).UTC(),
			Open:      open, High: high, Low: low, Close: closePrice, Volume: volume,
			IsClosed: true,
		})
	}
	return bars, nil
}

func decodeDecimal(raw json.RawMessage) (decimal.Decimal, error) {
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

type mexcSymbolEntry struct {
	Symbol            string `json:"symbol"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	Status            string `json:"status"`
	BaseAssetPrecision  int  `json:"baseAssetPrecision"`
	QuoteAssetPrecision int  `json:"quoteAssetPrecision"`
}

type mexcExchangeInfoResponse struct {
	Symbols []mexcSymbolEntry `json:"symbols"`
}

func decodeExchangeInfo(body []byte) ([]domain.Symbol, error) {
	var resp mexcExchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode exchangeInfo: %v", err))
	}
	out := make([]domain.Symbol, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		status := domain.StatusTrading
		if s.Status != "1" && s.Status != "ENABLED" {
			status = domain.StatusBreak
		}
		out = append(out, domain.Symbol{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Status:     status,
			TickSize:   decimal.NewNullDecimal(decimal.New(1, int32(-s.QuoteAssetPrecision))),
			StepSize:   decimal.NewNullDecimal(decimal.New(1, int32(-s.BaseAssetPrecision))),
		})
	}
	return out, nil
}

type tradeAdapter struct {
	symbol  string
	channel string
}

type mexcTradeFrame struct {
	Channel string `json:"c"`
	Data    struct {
		Deals []struct {
			Price string `json:"p"`
			Qty   string `json:"v"`
			Side  int    `json:"T"`
			Time  int64  `json:"t"`
		} `json:"deals"`
	} `json:"d"`
}

func (a tradeAdapter) IsRelevant(msg ws.Message) bool {
	var probe struct {
		Channel string `json:"c"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return false
	}
	return probe.Channel == a.channel
}

func (a tradeAdapter) Parse(msg ws.Message) (any, error) {
	var frame mexcTradeFrame
	if err := json.Unmarshal(msg.Raw, &frame); err != nil {
		return nil, xerrors.Data(Venue, "decode trade frame: "+err.Error())
	}
	if len(frame.Data.Deals) == 0 {
		return nil, xerrors.Data(Venue, "empty trade frame")
	}
	d := frame.Data.Deals[0]
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade price: "+err.Error())
	}
	qty, err := decimal.NewFromString(d.Qty)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade quantity: "+err.Error())
	}
	return domain.Trade{
		Symbol:       a.symbol,
		Price:        price,
		Quantity:     qty,
		Timestamp:    time.UnixMilli(d.Time).UTC(),
		IsBuyerMaker: d.Side == 2,
	}, nil
}
