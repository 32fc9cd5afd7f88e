// Package binance wires the Binance spot REST and WebSocket surfaces into
// the shared provider/router pipeline. Grounded on
// the teacher's internal/data/exchanges/binance/adapter.go (GetKlines,
// parseKline, GetBookL2, NormalizeSymbol/NormalizeInterval), reimplemented
// against rest.Runner/wsrunner.Runner instead of guards.ProviderGuard
// directly, and extended to order books, historical trades, trade and kline
// streams, and symbol metadata.
package binance

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

// klinePolicy mirrors Binance's documented 1000-candle-per-call cap.
var klinePolicy = chunk.Policy{
	MaxPoints:            1000,
	MaxChunks:            50,
	SupportsAutoChunking: true,
	Weight:               chunk.WeightPolicy{Static: 1},
}

const Venue = "BINANCE"

var intervalByTimeframe = map[domain.Timeframe]string{
	domain.M1: "1m", domain.M5: "5m", domain.M15: "15m", domain.M30: "30m",
	domain.H1: "1h", domain.H4: "4h", domain.D1: "1d", domain.W1: "1w", domain.MO1: "1M",
}

func interval(tf domain.Timeframe) (string, error) {
	s, ok := intervalByTimeframe[tf]
	if !ok {
		return "", xerrors.InvalidInterval(Venue, tf)
	}
	return s, nil
}

// New builds a fully wired Provider for Binance spot markets. tel may be
// nil; when set, chunk execution events are recorded on it.
func New(restBase, wsBase string, caps *capability.Registry, tel *telemetry.Registry) *provider.Provider {
	transport := transporthttp.New(transporthttp.Config{Venue: Venue, BaseURL: restBase})
	runner := rest.NewRunner(Venue, transport)
	executor := chunk.Executor{Endpoint: "binance.klines", Policy: klinePolicy, Tel: tel}

	p := provider.New(Venue, caps)

	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOHLCV, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureOrderBook, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureHistoricalTrades, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: Venue, Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)

	klineSpec := rest.EndpointSpec{
		Name:   "binance.klines",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			iv, err := interval(req.Timeframe)
			if err != nil {
				return "", nil, err
			}
			q := url.Values{}
			q.Set("symbol", req.Symbol)
			q.Set("interval", iv)
			limit := req.Limit
			if raw, ok := req.ExtraParams["__limit"]; ok {
				if n, err := strconv.Atoi(raw); err == nil {
					limit = n
				}
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if start, ok := req.ExtraParams["__start"]; ok {
				q.Set("startTime", start)
			} else if req.StartTime != nil {
				q.Set("startTime", strconv.FormatInt(req.StartTime.UnixMilli(), 10))
			}
			if end, ok := req.ExtraParams["__end"]; ok {
				q.Set("endTime", end)
			} else if req.EndTime != nil {
				q.Set("endTime", strconv.FormatInt(req.EndTime.UnixMilli(), 10))
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

	orderBookSpec := rest.EndpointSpec{
		Name:   "binance.depth",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			q := url.Values{}
			q.Set("symbol", req.Symbol)
			depth := req.Depth
			if depth <= 0 {
				depth = 100
			}
			q.Set("limit", strconv.Itoa(depth))
			return "/api/v3/depth", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeDepth(body, req.Symbol)
		},
	}
	p.RegisterFetch(domain.FeatureOrderBook, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, orderBookSpec, req)
	})

	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		spec := wsrunner.WSEndpointSpec{
			Venue:                   Venue,
			CombinedSupported:       true,
			MaxStreamsPerConnection: 200,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				return fmt.Sprintf("%s@trade", lower(req.Symbol)), nil
			},
			BuildSingleURL: func(name string) string {
				return wsBase + "/ws/" + name
			},
			BuildCombinedURL: func(names []string) string {
				u := wsBase + "/stream?streams="
				for i, n := range names {
					if i > 0 {
						u += "/"
					}
					u += n
				}
				return u
			},
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return tradeAdapter{symbol: req.Symbol}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	p.RegisterStream(domain.FeatureOHLCV, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		spec := wsrunner.WSEndpointSpec{
			Venue:                   Venue,
			CombinedSupported:       true,
			MaxStreamsPerConnection: 200,
			BuildStreamName: func(req domain.DataRequest) (string, error) {
				iv, err := interval(req.Timeframe)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s@kline_%s", lower(req.Symbol), iv), nil
			},
			BuildSingleURL: func(name string) string {
				return wsBase + "/ws/" + name
			},
			BuildCombinedURL: func(names []string) string {
				u := wsBase + "/stream?streams="
				for i, n := range names {
					if i > 0 {
						u += "/"
					}
					u += n
				}
				return u
			},
			NewAdapter: func(req domain.DataRequest) wsrunner.MessageAdapter {
				return klineAdapter{symbol: req.Symbol}
			},
		}
		r := wsrunner.NewRunner(spec, nil)
		return r.Subscribe(ctx, reqs, wsrunner.FilterOptions{Dedupe: true})
	})

	historicalTradesSpec := rest.EndpointSpec{
		Name:   "binance.historicalTrades",
		Method: "GET",
		Build: func(req domain.DataRequest) (string, url.Values, error) {
			q := url.Values{}
			q.Set("symbol", req.Symbol)
			limit := req.Limit
			if limit <= 0 {
				limit = 500
			}
			q.Set("limit", strconv.Itoa(limit))
			if req.FromID != "" {
				q.Set("fromId", req.FromID)
			}
			return "/api/v3/historicalTrades", q, nil
		},
		Adapt: func(body []byte, req domain.DataRequest) (any, error) {
			return decodeHistoricalTrades(body, req.Symbol)
		},
	}
	p.RegisterFetch(domain.FeatureHistoricalTrades, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return runner.Execute(ctx, historicalTradesSpec, req)
	})

	exchangeInfoSpec := rest.EndpointSpec{
		Name:   "binance.exchangeInfo",
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

	return p
}

func lower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		}
	}
	return string(out)
}

type rawKline [12]json.RawMessage

func decodeKlines(body []byte) ([]domain.Bar, error) {
	var rows []rawKline
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode klines: %v", err))
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		openTime, err := decodeInt64(row[0])
		if err != nil {
			return nil, xerrors.Data(Venue, "kline open time: "+err.Error())
		}
		open, err := decodeDecimalString(row[1])
		if err != nil {
			return nil, err
		}
		high, err := decodeDecimalString(row[2])
		if err != nil {
			return nil, err
		}
		low, err := decodeDecimalString(row[3])
		if err != nil {
			return nil, err
		}
		closePrice, err := decodeDecimalString(row[4])
		if err != nil {
			return nil, err
		}
		volume, err := decodeDecimalString(row[5])
		if err != nil {
			return nil, err
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.UnixMilli(openTime).UTC(),
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

func decodeInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func decodeDecimalString(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Decimal{}, xerrors.Data(Venue, "expected numeric string: "+err.Error())
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, xerrors.Data(Venue, "invalid decimal "+s+": "+err.Error())
	}
	return d, nil
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func decodeDepth(body []byte, symbol string) (domain.OrderBook, error) {
	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderBook{}, xerrors.Data(Venue, fmt.Sprintf("decode depth: %v", err))
	}
	toLevels := func(rows [][]string) ([]domain.OrderBookLevel, error) {
		levels := make([]domain.OrderBookLevel, 0, len(rows))
		for _, r := range rows {
			if len(r) != 2 {
				return nil, xerrors.Data(Venue, "malformed depth level")
			}
			price, err := decimal.NewFromString(r[0])
			if err != nil {
				return nil, xerrors.Data(Venue, "invalid price: "+err.Error())
			}
			qty, err := decimal.NewFromString(r[1])
			if err != nil {
				return nil, xerrors.Data(Venue, "invalid quantity: "+err.Error())
			}
			levels = append(levels, domain.OrderBookLevel{Price: price, Quantity: qty})
		}
		return levels, nil
	}
	bids, err := toLevels(resp.Bids)
	if err != nil {
		return domain.OrderBook{}, err
	}
	asks, err := toLevels(resp.Asks)
	if err != nil {
		return domain.OrderBook{}, err
	}
	return domain.OrderBook{
		Symbol:       symbol,
		LastUpdateID: resp.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.Now().UTC(),
	}, nil
}

type tradeAdapter struct {
	symbol string
}

type wsTradeMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	IsBuyer   bool   `json:"m"`
}

func (a tradeAdapter) IsRelevant(msg ws.Message) bool {
	var probe struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return false
	}
	return probe.EventType == "trade" && equalFold(probe.Symbol, a.symbol)
}

func (a tradeAdapter) Parse(msg ws.Message) (any, error) {
	var m wsTradeMessage
	if err := json.Unmarshal(msg.Raw, &m); err != nil {
		return nil, xerrors.Data(Venue, "decode trade: "+err.Error())
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade price: "+err.Error())
	}
	qty, err := decimal.NewFromString(m.Quantity)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid trade quantity: "+err.Error())
	}
	return domain.Trade{
		Symbol:       m.Symbol,
		TradeID:      strconv.FormatInt(m.TradeID, 10),
		Price:        price,
		Quantity:     qty,
		Timestamp:    time.UnixMilli(m.TradeTime).UTC(),
		IsBuyerMaker: m.IsBuyer,
	}, nil
}

func equalFold(a, b string) bool {
	return lower(a) == lower(b)
}

type rawHistoricalTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func decodeHistoricalTrades(body []byte, symbol string) ([]domain.Trade, error) {
	var rows []rawHistoricalTrade
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode historical trades: %v", err))
	}
	trades := make([]domain.Trade, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row.Price)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid trade price: "+err.Error())
		}
		qty, err := decimal.NewFromString(row.Qty)
		if err != nil {
			return nil, xerrors.Data(Venue, "invalid trade quantity: "+err.Error())
		}
		trades = append(trades, domain.Trade{
			Symbol:       symbol,
			TradeID:      strconv.FormatInt(row.ID, 10),
			Price:        price,
			Quantity:     qty,
			Timestamp:    time.UnixMilli(row.Time).UTC(),
			IsBuyerMaker: row.IsBuyerMaker,
		})
	}
	return trades, nil
}

type rawSymbolInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Status     string `json:"status"`
	Filters    []struct {
		FilterType  string `json:"filterType"`
		TickSize    string `json:"tickSize"`
		StepSize    string `json:"stepSize"`
		MinNotional string `json:"minNotional"`
	} `json:"filters"`
}

type exchangeInfoResponse struct {
	Symbols []rawSymbolInfo `json:"symbols"`
}

func decodeExchangeInfo(body []byte) ([]domain.Symbol, error) {
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Data(Venue, fmt.Sprintf("decode exchangeInfo: %v", err))
	}
	out := make([]domain.Symbol, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		status := domain.StatusBreak
		switch s.Status {
		case "TRADING":
			status = domain.StatusTrading
		case "BREAK":
			status = domain.StatusBreak
		default:
			status = domain.StatusDelisted
		}
		sym := domain.Symbol{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Status:     status,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if d, err := decimal.NewFromString(f.TickSize); err == nil {
					sym.TickSize = decimal.NewNullDecimal(d)
				}
			case "LOT_SIZE":
				if d, err := decimal.NewFromString(f.StepSize); err == nil {
					sym.StepSize = decimal.NewNullDecimal(d)
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				if d, err := decimal.NewFromString(f.MinNotional); err == nil {
					sym.MinNotional = decimal.NewNullDecimal(d)
				}
			}
		}
		out = append(out, sym)
	}
	return out, nil
}

type klineAdapter struct{ symbol string }

type wsKlineMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

func (a klineAdapter) IsRelevant(msg ws.Message) bool {
	var probe struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return false
	}
	return probe.EventType == "kline" && equalFold(probe.Symbol, a.symbol)
}

func (a klineAdapter) Parse(msg ws.Message) (any, error) {
	var m wsKlineMessage
	if err := json.Unmarshal(msg.Raw, &m); err != nil {
		return nil, xerrors.Data(Venue, "decode kline: "+err.Error())
	}
	open, err := decimal.NewFromString(m.Kline.Open)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid kline open: "+err.Error())
	}
	high, err := decimal.NewFromString(m.Kline.High)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid kline high: "+err.Error())
	}
	low, err := decimal.NewFromString(m.Kline.Low)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid kline low: "+err.Error())
	}
	closePrice, err := decimal.NewFromString(m.Kline.Close)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid kline close: "+err.Error())
	}
	volume, err := decimal.NewFromString(m.Kline.Volume)
	if err != nil {
		return nil, xerrors.Data(Venue, "invalid kline volume: "+err.Error())
	}
	return domain.StreamingBar{
		Symbol: m.Symbol,
		Bar: domain.Bar{
			Timestamp: time.UnixMilli(m.Kline.OpenTime).UTC(),
			Open:      open, High: high, Low: low, Close: closePrice, Volume: volume,
			IsClosed: m.Kline.IsClosed,
		},
	}, nil
}
