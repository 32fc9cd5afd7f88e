// Package hyperliquid wires Hyperliquid's single POST "info" REST endpoint
// and its WebSocket surface into the shared provider/router pipeline.
// Unlike every other connector in this module, Hyperliquid has no
// query-parameter REST surface at all: every read is a POST to /info with a
// {"type": "..."} discriminated body, and perpetual symbols are bare coin
// names (no quote suffix) since Hyperliquid quotes everything in USD.
package hyperliquid

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

const Venue = "HYPERLIQUID"

var intervalByTimeframe = map[domain.Timeframe]string{
	domain.M1: "1m", domain.M5: "5m", domain.M15: "15m", domain.M30: "30m",
	domain.H1: "1h", domain.H4: "4h", domain.D1: "1d", domain.W1: "1w", domain.MO1: "1M",
}

type candleRequestBody struct {
	Type string `json:"type"`
	Req  struct {
		Coin      string `json:"coin"`
		Interval  string `json:"interval"`
		StartTime int64  `json:"startTime"`
		EndTime   int64  `json:"endTime,omitempty"`
	} `json:"req"`
}

// candlePolicy bounds a single candleSnapshot response; Hyperliquid's /info
// endpoint does not advertise a documented hard cap, so this module treats
// it conservatively at 5000 rows per page.
var candlePolicy = chunk.Policy{
	MaxPoints:            5000,
	MaxChunks:            50,
	SupportsAutoChunking: true,
	Weight:               chunk.WeightPolicy{Static: 1},
}

// New builds a fully wired Provider for Hyperliquid perpetuals. tel may be
// nil; when set, chunk execution events are recorded on it.
func New(restBase, wsBase string, caps *capability.Registry, tel *telemetry.Registry) *provider.Provider {
	transport := transporthttp.New(transporthttp.Config{Venue: Venue, BaseURL: restBase})
	runner := rest.NewRunner(Venue, transport)
	executor := chunk.Executor{Endpoint: "hyperliquid.candleSnapshot", Policy: candlePolicy, Tel: tel}

	p := provider.New(Venue, caps)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: domain.Futures, Instrument: domain.InstrumentPerpetual}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Futures, Instrument: domain.InstrumentPerpetual}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureFundingRate, Transport: domain.TransportREST, Market: domain.Futures, Instrument: domain.InstrumentPerpetual}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST, Market: domain.Futures, Instrument: domain.InstrumentPerpetual}, capability.Supported)

	candleSpec := rest.EndpointSpec{
		Name:   "hyperliquid.candleSnapshot",
		Method: "POST",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			return "/info", nil, nil
		},
		Body: func(req domain.DataRequest) (any, error) {
			iv, ok := intervalByTimeframe[req.Timeframe]
			if !ok {
				return nil, xerrors.InvalidInterval(Venue, req.Timeframe)
			}
			var b candleRequestBody
			b.Type = "candleSnapshot"
			b.Req.Coin = req.Symbol
			b.Req.Interval = iv
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
				b.Req.StartTime = start.UnixMilli()
			}
			if end != nil {
				b.Req.EndTime = end.UnixMilli()
			}
			return b, nil
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

	fundingSpec := rest.EndpointSpec{
		Name:   "hyperliquid.fundingHistory",
		Method: "POST",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			return "/info", nil, nil
		},
		Body: func(req domain.DataRequest) (any, error) {
			return struct {
				Type      string `json:"type"`
				Coin      string `json:"coin"`
				StartTime int64  `json:"startTime"`
			}{Type: "fundingHistory", Coin: req.Symbol, StartTime: time.Now().Add(-24 * time.Hour).UnixMilli()}, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			fr, err := decodeFunding(body, req.Symbol)
			if err != nil {
				return nil, err
			}
			return []domain.FundingRate{fr}, nil
		},
	}
	p.RegisterFetch(domain.FeatureFundingRate, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, fundingSpec, req)
	})

	metaSpec := rest.EndpointSpec{
		Name:   "hyperliquid.meta",
		Method: "POST",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			return "/info", nil, nil
		},
		Body: func(req domain.DataRequest) (any, error) {
			return struct {
				Type string `json:"type"`
			}{Type: "meta"}, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeMeta(body)
		},
	}
	p.RegisterFetch(domain.FeatureSymbolMetadata, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, metaSpec, req)
	})

	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		spec := wsrunner.WSEndpointSpec{
			Venue:                   Venue,
			CombinedSupported:       false,
			MaxStreamsPerConnection: 1,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				return req.Symbol, nil
			},
			BuildSingleURL: func(name string) string { return wsBase },
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return tradeAdapter{coin: req.Symbol}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	return p
}

// [time, open, high, low, close, volume] per candle, all string except t.
type hlCandle struct {
	T int64  `json:"t"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
}

func decodeCandles(body []byte) ([]domain.Bar, error) {
	var rows []hlCandle
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode candles: %v", err))
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		open, err := decimal.NewFromString(row.O)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid open: "+err.Error())
		}
		high, err := decimal.NewFromString(row.H)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid high: "+err.Error())
		}
		low, err := decimal.NewFromString(row.L)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid low: "+err.Error())
		}
		closePrice, err := decimal.NewFromString(row.C)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid close: "+err.Error())
		}
		volume, err := decimal.NewFromString(row.V)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid volume: "+err.Error())
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.UnixMilli(row.T).UTC(),
			Open:      open, High: high, Low: low, Close: closePrice, Volume: volume,
			IsClosed: true,
		})
	}
	return bars, nil
}

type hlFundingEntry struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Time        int64  `json:"time"`
}

func decodeFunding(body []byte, symbol string) (domain.FundingRate, error) {
	var rows []hlFundingEntry
	if err := json.Unmarshal(body, &rows); err != nil {
		return domain.FundingRate{}, xerrors.Data(Venue, fmt.Sprintf("decode funding history: %v", err))
	}
	if len(rows) == 0 {
		return domain.FundingRate{}, xerrors.Data(Venue, "no funding history returned")
	}
	latest := rows[len(rows)-1]
	rate, err := decimal.NewFromString(latest.FundingRate)
	if err != nil {
		return domain.FundingRate{}, xerrors.Data(Venue, "invalid funding rate: "+err.Error())
	}
	return domain.FundingRate{
		Symbol:      symbol,
		FundingTime: time.UnixMilli(latest.Time).UTC(),
		FundingRate: rate,
	}, nil
}

type hlAssetMeta struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

type hlMetaResponse struct {
	Universe []hlAssetMeta `json:"universe"`
}

func decodeMeta(body []byte) ([]domain.Symbol, error) {
	var resp hlMetaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode meta: %v", err))
	}
	out := make([]domain.Symbol, 0, len(resp.Universe))
	for _, a := range resp.Universe {
		out = append(out, domain.Symbol{
			Symbol:       a.Name,
			BaseAsset:    a.Name,
			QuoteAsset:   "USD",
			Status:       domain.StatusTrading,
			StepSize:     decimal.NewNullDecimal(decimal.New(1, int32(-a.SzDecimals))),
			ContractType: "PERPETUAL",
		})
	}
	return out, nil
}

type tradeAdapter struct{ coin string }

type hlTradeFrame struct {
	Channel string `json:"channel"`
	Data    []struct {
		Coin string `json:"coin"`
		Side string `json:"side"`
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Time int64  `json:"time"`
		Tid  int64  `json:"tid"`
	} `json:"data"`
}

func (a tradeAdapter) IsRelevant(msg ws.Message) bool {
	var probe struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return false
	}
	return probe.Channel == "trades"
}

func (a tradeAdapter) Parse(msg ws.Message) (any, error) {
	var frame hlTradeFrame
	if err := json.Unmarshal(msg.Raw, &frame); err != nil {
		return nil, xerrors.Data(Venue, "decode trade frame: "+err.Error())
	}
	for _, t := range frame.Data {
		if t.Coin != a.coin {
			continue
		}
		price, err := decimal.NewFromString(t.Px)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid trade price: "+err.Error())
		}
		size, err := decimal.NewFromString(t.Sz)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid trade size: "+err.Error())
		}
		return domain.Trade{
			Symbol:       t.Coin,
			TradeID:      fmt.Sprintf("%d", t.Tid),
			Price:        price,
			Quantity:     size,
			Timestamp:    time.UnixMilli(t.Time).UTC(),
			IsBuyerMaker: t.Side == "A",
		}, nil
	}
	return nil, xerrors.Data(Venue, "no matching coin in trade frame")
}
