// Package bybit wires Bybit's unified v5 REST + public WebSocket surfaces
// into the shared provider/router pipeline. Grounded on the same
// rest.Runner/wsrunner.Runner shape built for internal/venue/binance,
// adapted to Bybit's {retCode,retMsg,result} envelope convention (the
// pack's other_examples OKX types file documents the same string-encoded
// numeric convention across these newer venue APIs).
package bybit

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

const Venue = "BYBIT"

var intervalByTimeframe = map[domain.Timeframe]string{
	domain.M1: "1", domain.M5: "5", domain.M15: "15", domain.M30: "30",
	domain.H1: "60", domain.H4: "240", domain.D1: "D", domain.W1: "W", domain.MO1: "M",
}

// klinePolicy mirrors Bybit v5's documented 1000-candle-per-call cap.
var klinePolicy = chunk.Policy{
	MaxPoints:            1000,
	MaxChunks:            50,
	SupportsAutoChunking: true,
	Weight:               chunk.WeightPolicy{Static: 1},
}

// New builds a fully wired Provider for Bybit's linear-perpetual and spot
// categories. category must be "linear" or "spot" per Bybit's v5 API. tel
// may be nil; when set, chunk execution events are recorded on it.
func New(restBase, wsBase, category string, caps *capability.Registry, tel *telemetry.Registry) *provider.Provider {
	transport := transporthttp.New(transporthttp.Config{Venue: Venue, BaseURL: restBase})
	runner := rest.NewRunner(Venue, transport)
	executor := chunk.Executor{Endpoint: "bybit.kline", Policy: klinePolicy, Tel: tel}

	market := domain.Spot
	instrument := domain.InstrumentSpot
	if category == "linear" {
		market = domain.Futures
		instrument = domain.InstrumentPerpetual
	}

	p := provider.New(Venue, caps)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: market, Instrument: instrument}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: market, Instrument: instrument}, capability.Supported)
	if category == "linear" {
		caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureFundingRate, Transport: domain.TransportREST, Market: market, Instrument: instrument}, capability.Supported)
		caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOpenInterest, Transport: domain.TransportREST, Market: market, Instrument: instrument}, capability.Supported)
		caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureMarkPrice, Transport: domain.TransportREST, Market: market, Instrument: instrument}, capability.Supported)
		caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureLiquidations, Transport: domain.TransportWS, Market: market, Instrument: instrument}, capability.Supported)
	}
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST, Market: market, Instrument: instrument}, capability.Supported)

	klineSpec := rest.EndpointSpec{
		Name:   "bybit.kline",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			iv, ok := intervalByTimeframe[req.Timeframe]
			if !ok {
				return "", nil, xerrors.InvalidInterval(Venue, req.Timeframe)
			}
			q := url.Values{}
			q.Set("category", category)
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
			if start != nil {
				q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
			}
			if end != nil {
				q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
			}
			if limit <= 0 || limit > 1000 {
				limit = 200
			}
			q.Set("limit", strconv.Itoa(limit))
			return "/v5/market/kline", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			bars, err := decodeKline(body)
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
		fetch := chunk.RESTFetcher(runner, klineSpec, req, decodeKline)
		return executor.Execute(ctx, meta, plan, fetch, req.Limit)
	})

	fundingSpec := rest.EndpointSpec{
		Name:   "bybit.funding",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			q := url.Values{}
			q.Set("category", "linear")
			q.Set("symbol", req.Symbol)
			return "/v5/market/funding/history", q, nil
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

	openInterestSpec := rest.EndpointSpec{
		Name:   "bybit.openInterest",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			q := url.Values{}
			q.Set("category", "linear")
			q.Set("symbol", req.Symbol)
			q.Set("intervalTime", "5min")
			limit := req.Limit
			if limit <= 0 {
				limit = 1
			}
			q.Set("limit", strconv.Itoa(limit))
			return "/v5/market/open-interest", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeOpenInterest(body, req.Symbol)
		},
	}
	p.RegisterFetch(domain.FeatureOpenInterest, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, openInterestSpec, req)
	})

	tickersSpec := rest.EndpointSpec{
		Name:   "bybit.tickers",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			q := url.Values{}
			q.Set("category", "linear")
			q.Set("symbol", req.Symbol)
			return "/v5/market/tickers", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeMarkPrice(body, req.Symbol)
		},
	}
	p.RegisterFetch(domain.FeatureMarkPrice, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, tickersSpec, req)
	})

	instrumentsSpec := rest.EndpointSpec{
		Name:   "bybit.instrumentsInfo",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			q := url.Values{}
			q.Set("category", category)
			return "/v5/market/instruments-info", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeInstrumentsInfo(body)
		},
	}
	p.RegisterFetch(domain.FeatureSymbolMetadata, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, instrumentsSpec, req)
	})

	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		spec := wsrunner.WSEndpointSpec{
			Venue:                   Venue,
			CombinedSupported:       true,
			MaxStreamsPerConnection: 10,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				return fmt.Sprintf("publicTrade.%s", req.Symbol), nil
			},
			BuildSingleURL:   func(name string) string { return wsBase },
			BuildCombinedURL: func(names []string) string { return wsBase },
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return tradeAdapter{symbol: req.Symbol, topic: fmt.Sprintf("publicTrade.%s", req.Symbol)}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	if category == "linear" {
		p.RegisterStream(domain.FeatureLiquidations, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
			spec := wsrunner.WSEndpointSpec{
				Venue:                   Venue,
				CombinedSupported:       true,
				MaxStreamsPerConnection: 10,
				BuildStreamName: func(req domain.DataRequest) (string, error) {
					return fmt.Sprintf("liquidation.%s", req.Symbol), nil
				},
				BuildSingleURL:   func(name string) string { return wsBase },
				BuildCombinedURL: func(names []string) string { return wsBase },
				NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
					return liquidationAdapter{symbol: req.Symbol, topic: fmt.Sprintf("liquidation.%s", req.Symbol)}
				},
			}
			r := wsrunner.NewRunner(spec, nil)
			return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
		})
	}

	return p
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type klineResult struct {
	List [][]string `json:"list"`
}

func decodeKline(body []byte) ([]domain.Bar, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.RetCode != 0 {
		return nil, xerrors.Provider(Venue, strconv.Itoa(env.RetCode), env.RetMsg, 0)
	}
	var result klineResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode kline result: %v", err))
	}
	bars := make([]domain.Bar, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 6 {
			return nil, xerrors.Data(Venue, "malformed kline row")
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid kline timestamp: "+err.Error())
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
	// Bybit returns newest-first; reverse to ascending.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

type fundingEntry struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingRateTimestamp"`
}

func decodeFunding(body []byte, symbol string) (domain.FundingRate, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.FundingRate{}, xerrors.Data(Venue, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.RetCode != 0 {
		return domain.FundingRate{}, xerrors.Provider(Venue, strconv.Itoa(env.RetCode), env.RetMsg, 0)
	}
	var result struct {
		List []fundingEntry `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return domain.FundingRate{}, xerrors.Data(Venue, fmt.Sprintf("decode funding result: %v", err))
	}
	if len(result.List) == 0 {
		return domain.FundingRate{}, xerrors.Data(Venue, "no funding history returned")
	}
	latest := result.List[0]
	rate, err := decimal.NewFromString(latest.FundingRate)
	if err != nil {
		return domain.FundingRate{}, xerrors.Data(Venue, "invalid funding rate: "+err.Error())
	}
	ms, err := strconv.ParseInt(latest.FundingTime, 10, 64)
	if err != nil {
		return domain.FundingRate{}, xerrors.Data(Venue, "invalid funding timestamp: "+err.Error())
	}
	return domain.FundingRate{
		Symbol:      symbol,
		FundingTime: time.UnixMilli(ms).UTC(),
		FundingRate: rate,
	}, nil
}

type openInterestEntry struct {
	OpenInterest string `json:"openInterest"`
	Timestamp    string `json:"timestamp"`
}

func decodeOpenInterest(body []byte, symbol string) ([]domain.OpenInterest, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.RetCode != 0 {
		return nil, xerrors.Provider(Venue, strconv.Itoa(env.RetCode), env.RetMsg, 0)
	}
	var result struct {
		List []openInterestEntry `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode open interest result: %v", err))
	}
	out := make([]domain.OpenInterest, 0, len(result.List))
	for _, e := range result.List {
		oi, err := decimal.NewFromString(e.OpenInterest)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid open interest: "+err.Error())
		}
		ms, err := strconv.ParseInt(e.Timestamp, 10, 64)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid open interest timestamp: "+err.Error())
		}
		out = append(out, domain.OpenInterest{
			Symbol:       symbol,
			Timestamp:    time.UnixMilli(ms).UTC(),
			OpenInterest: oi,
		})
	}
	return out, nil
}

type tickerEntry struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func decodeMarkPrice(body []byte, symbol string) (domain.MarkPrice, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.MarkPrice{}, xerrors.Data(Venue, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.RetCode != 0 {
		return domain.MarkPrice{}, xerrors.Provider(Venue, strconv.Itoa(env.RetCode), env.RetMsg, 0)
	}
	var result struct {
		List []tickerEntry `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return domain.MarkPrice{}, xerrors.Data(Venue, fmt.Sprintf("decode tickers result: %v", err))
	}
	if len(result.List) == 0 {
		return domain.MarkPrice{}, xerrors.Data(Venue, "no ticker returned")
	}
	t := result.List[0]
	mark, err := decimal.NewFromString(t.MarkPrice)
	if err != nil {
		return domain.MarkPrice{}, xerrors.Data(Venue, "invalid mark price: "+err.Error())
	}
	out := domain.MarkPrice{Symbol: symbol, MarkPrice: mark, Timestamp: time.Now().UTC()}
	if idx, err := decimal.NewFromString(t.IndexPrice); err == nil {
		out.IndexPrice = decimal.NewNullDecimal(idx)
	}
	if rate, err := decimal.NewFromString(t.FundingRate); err == nil {
		out.LastFundingRate = decimal.NewNullDecimal(rate)
	}
	if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
		next := time.UnixMilli(ms).UTC()
		out.NextFundingTime = &next
	}
	return out, nil
}

type instrumentEntry struct {
	Symbol     string `json:"symbol"`
	BaseCoin   string `json:"baseCoin"`
	QuoteCoin  string `json:"quoteCoin"`
	Status     string `json:"status"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinNotional string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
}

func decodeInstrumentsInfo(body []byte) ([]domain.Symbol, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode envelope: %v", err))
	}
	if env.RetCode != 0 {
		return nil, xerrors.Provider(Venue, strconv.Itoa(env.RetCode), env.RetMsg, 0)
	}
	var result struct {
		List []instrumentEntry `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode instruments result: %v", err))
	}
	out := make([]domain.Symbol, 0, len(result.List))
	for _, e := range result.List {
		status := domain.StatusTrading
		if e.Status != "Trading" {
			status = domain.StatusBreak
		}
		sym := domain.Symbol{
			Symbol:     e.Symbol,
			BaseAsset:  e.BaseCoin,
			QuoteAsset: e.QuoteCoin,
			Status:     status,
		}
		if d, err := decimal.NewFromString(e.PriceFilter.TickSize); err == nil {
			sym.TickSize = decimal.NewNullDecimal(d)
		}
		if d, err := decimal.NewFromString(e.LotSizeFilter.QtyStep); err == nil {
			sym.StepSize = decimal.NewNullDecimal(d)
		}
		if d, err := decimal.NewFromString(e.LotSizeFilter.MinNotional); err == nil {
			sym.MinNotional = decimal.NewNullDecimal(d)
		}
		out = append(out, sym)
	}
	return out, nil
}

type tradeAdapter struct {
	symbol string
	topic  string
}

type bybitTradeFrame struct {
	Topic string `json:"topic"`
	Data  []struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
		Size   string `json:"v"`
		Time   int64  `json:"T"`
		TradeID string `json:"i"`
		Side   string `json:"S"`
	} `json:"data"`
}

func (a tradeAdapter) IsRelevant(msg ws.Message) bool {
	var probe struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return false
	}
	return probe.Topic == a.topic
}

func (a tradeAdapter) Parse(msg ws.Message) (any, error) {
	var frame bybitTradeFrame
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
	return domain.Trade{
		Symbol:       a.symbol,
		TradeID:      t.TradeID,
		Price:        price,
		Quantity:     qty,
		Timestamp:    time.UnixMilli(t.Time).UTC(),
		IsBuyerMaker: t.Side == "Sell",
	}, nil
}

type liquidationAdapter struct {
	symbol string
	topic  string
}

type bybitLiquidationFrame struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		Size      string `json:"size"`
		Price     string `json:"price"`
		UpdatedAt int64  `json:"updatedTime"`
	} `json:"data"`
}

func (a liquidationAdapter) IsRelevant(msg ws.Message) bool {
	var probe struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return false
	}
	return probe.Topic == a.topic
}

func (a liquidationAdapter) Parse(msg ws.Message) (any, error) {
	var frame bybitLiquidationFrame
	if err := json.Unmarshal(msg.Raw, &frame); err != nil {
		return nil, xerrors.Data(Venue, "decode liquidation frame: "+err.Error())
	}
	price, err := decimal.NewFromString(frame.Data.Price)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid liquidation price: "+err.Error())
	}
	qty, err := decimal.NewFromString(frame.Data.Size)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid liquidation size: "+err.Error())
	}
	side := domain.LiquidationBuy
	if frame.Data.Side == "Sell" {
		side = domain.LiquidationSell
	}
	return domain.Liquidation{
		Symbol:    a.symbol,
		Side:      side,
		OrderType: "MARKET",
		Quantity:  qty,
		Price:     price,
		Timestamp: time.UnixMilli(frame.Data.UpdatedAt).UTC(),
	}, nil
}
