// Package marketdata is the top-level facade over the router: it holds
// per-call defaults for exchange/market/instrument, builds the typed
// DataRequest every fetch_*/stream_* method needs, and owns the lifetime
// of every provider it constructs. Grounded on spec.md §4.10's API
// contract and the teacher's top-level cmd/cryptorun wiring (one place
// that owns every exchange client and tears them all down together), here
// expressed as a library type instead of a CLI's global state.
package marketdata

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketdata/internal/breaker"
	"github.com/sawpanic/marketdata/internal/capability"
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/feedcache"
	"github.com/sawpanic/marketdata/internal/logging"
	"github.com/sawpanic/marketdata/internal/router"
	"github.com/sawpanic/marketdata/internal/telemetry"
	"github.com/sawpanic/marketdata/internal/venue/binance"
	"github.com/sawpanic/marketdata/internal/venue/bybit"
	"github.com/sawpanic/marketdata/internal/venue/coinbase"
	"github.com/sawpanic/marketdata/internal/venue/hyperliquid"
	"github.com/sawpanic/marketdata/internal/venue/kraken"
	"github.com/sawpanic/marketdata/internal/venue/mexc"
	"github.com/sawpanic/marketdata/internal/venue/okx"
	"github.com/sawpanic/marketdata/internal/wsrunner"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Exchange names as accepted by DefaultExchange, fetch_*/stream_* exchange
// overrides, and Config.Venues keys.
const (
	Binance     = "BINANCE"
	Bybit       = "BYBIT"
	OKX         = "OKX"
	Coinbase    = "COINBASE"
	Kraken      = "KRAKEN"
	MEXC        = "MEXC"
	Hyperliquid = "HYPERLIQUID"
)

// defaultRESTBase and defaultWSBase list each venue's production endpoint,
// grounded on the teacher's infrastructure/providers base URL constants.
// VenueConfig.RESTBase/WSBase override these per venue.
var (
	defaultRESTBase = map[string]string{
		Binance:     "https://api.binance.com",
		Bybit:       "https://api.bybit.com",
		OKX:         "https://www.okx.com",
		Coinbase:    "https://api.exchange.coinbase.com",
		Kraken:      "https://api.kraken.com",
		MEXC:        "https://api.mexc.com",
		Hyperliquid: "https://api.hyperliquid.xyz",
	}
	defaultWSBase = map[string]string{
		Binance:     "wss://stream.binance.com:9443/ws",
		Bybit:       "wss://stream.bybit.com/v5/public/linear",
		OKX:         "wss://ws.okx.com:8443/ws/v5/public",
		Coinbase:    "wss://ws-feed.exchange.coinbase.com",
		Kraken:      "wss://ws.kraken.com",
		MEXC:        "wss://wbs.mexc.com/ws",
		Hyperliquid: "wss://api.hyperliquid.xyz/ws",
	}
)

// VenueConfig overrides one venue's wiring. Every field is optional; a
// zero value falls back to the production default.
type VenueConfig struct {
	RESTBase string
	WSBase   string

	// BybitCategory selects Bybit's v5 category ("linear" or "spot").
	// Defaults to "spot".
	BybitCategory string

	// KrakenQuoteAssets lists the quote currencies Kraken symbol
	// splitting recognizes. Defaults to {"USD", "USDT", "EUR"}.
	KrakenQuoteAssets []string
}

// Config configures a Client. The zero Config is valid: every venue wires
// up against its production endpoint with spot defaults.
type Config struct {
	DefaultExchange      string
	DefaultMarketType    domain.MarketType
	DefaultInstrumentType domain.InstrumentType

	// Venues overrides individual venues' wiring, keyed by the exchange
	// constants above. Unlisted venues use their production defaults.
	Venues map[string]VenueConfig

	// Metrics, when set, is the Prometheus registry chunk/stream/transport
	// counters register against. Nil disables metrics collection.
	Metrics *prometheus.Registry

	// Breaker tunes the per-venue circuit breaker guarding every REST
	// Route call. The zero value applies breaker.Config's defaults
	// (50% failure ratio over a 10-request minimum window, 30s open
	// timeout) rather than disabling breaker protection; there is no
	// Config knob to turn it off since a venue with sustained failures
	// should always stop taking REST traffic until it recovers.
	Breaker breaker.Config

	// LogWriter, LogLevel, and LogPretty reconfigure the process-wide
	// zerolog logger every connector logs through. The zero Config
	// leaves package logging's own default in place (pretty console
	// output to stderr at info level). When LogWriter is set, all three
	// fields are applied together, so LogLevel's zero value selects debug
	// level and LogPretty false selects JSON output.
	LogWriter io.Writer
	LogLevel  zerolog.Level
	LogPretty bool
}

// Client is the scoped, top-level entry point: one Client owns one Router,
// one capability Registry, and every venue Provider it constructed. Close
// releases all of them. The zero value is not usable; construct with New.
type Client struct {
	cfg    Config
	caps   *capability.Registry
	router *router.Router
	tel    *telemetry.Registry

	mu     sync.Mutex
	caches []*feedcache.Cache
}

// New constructs a Client wired against every supported venue. Construction
// never performs network I/O; connections open lazily on first Fetch/Stream
// call.
func New(cfg Config) *Client {
	if cfg.DefaultMarketType == "" {
		cfg.DefaultMarketType = domain.Spot
	}
	if cfg.DefaultInstrumentType == "" {
		cfg.DefaultInstrumentType = domain.InstrumentSpot
	}
	if cfg.Venues == nil {
		cfg.Venues = make(map[string]VenueConfig)
	}

	if cfg.LogWriter != nil {
		logging.Configure(cfg.LogWriter, cfg.LogLevel, cfg.LogPretty)
	}

	caps := capability.NewRegistry()
	var tel *telemetry.Registry
	if cfg.Metrics != nil {
		tel = telemetry.NewRegistry(cfg.Metrics)
	}

	r := router.NewWithBreakers(breaker.NewManager(cfg.Breaker))
	c := &Client{cfg: cfg, caps: caps, router: r, tel: tel}

	restBase := func(venue string) string {
		if v, ok := cfg.Venues[venue]; ok && v.RESTBase != "" {
			return v.RESTBase
		}
		return defaultRESTBase[venue]
	}
	wsBase := func(venue string) string {
		if v, ok := cfg.Venues[venue]; ok && v.WSBase != "" {
			return v.WSBase
		}
		return defaultWSBase[venue]
	}

	r.Register(Binance, binance.New(restBase(Binance), wsBase(Binance), caps, tel))

	bybitCategory := "spot"
	if v, ok := cfg.Venues[Bybit]; ok && v.BybitCategory != "" {
		bybitCategory = v.BybitCategory
	}
	r.Register(Bybit, bybit.New(restBase(Bybit), wsBase(Bybit), bybitCategory, caps, tel))

	r.Register(OKX, okx.New(restBase(OKX), wsBase(OKX), caps, tel))
	r.Register(Coinbase, coinbase.New(restBase(Coinbase), wsBase(Coinbase), caps, tel))

	krakenQuotes := []string{"USD", "USDT", "EUR"}
	if v, ok := cfg.Venues[Kraken]; ok && len(v.KrakenQuoteAssets) > 0 {
		krakenQuotes = v.KrakenQuoteAssets
	}
	r.Register(Kraken, kraken.New(restBase(Kraken), wsBase(Kraken), krakenQuotes, caps, tel))

	r.Register(MEXC, mexc.New(restBase(MEXC), wsBase(MEXC), caps, tel))
	r.Register(Hyperliquid, hyperliquid.New(restBase(Hyperliquid), wsBase(Hyperliquid), caps, tel))

	return c
}

// resolve fills exchange/market/instrument with the client's defaults
// wherever the caller left them at their zero value.
func (c *Client) resolve(exchange string, market domain.MarketType, instrument domain.InstrumentType) (string, domain.MarketType, domain.InstrumentType) {
	if exchange == "" {
		exchange = c.cfg.DefaultExchange
	}
	if market == "" {
		market = c.cfg.DefaultMarketType
	}
	if instrument == "" {
		instrument = c.cfg.DefaultInstrumentType
	}
	return exchange, market, instrument
}

// FetchHealthRequest parameterizes fetch_health.
type FetchHealthRequest struct {
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
}

// HealthStatus is the result of a health probe: a trivial symbol-metadata
// round trip proving the venue's REST surface and credentials (if any) are
// reachable.
type HealthStatus struct {
	Exchange  string
	Reachable bool
	Detail    string
}

// FetchHealth probes exchange by issuing a minimal symbol-metadata request
// and reporting whether it succeeded.
func (c *Client) FetchHealth(ctx context.Context, r FetchHealthRequest) (HealthStatus, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	req := domain.DataRequest{
		Feature:        domain.FeatureSymbolMetadata,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
		Limit:          1,
	}
	_, err := c.router.Route(ctx, req)
	if err != nil {
		return HealthStatus{Exchange: exchange, Reachable: false, Detail: err.Error()}, nil
	}
	return HealthStatus{Exchange: exchange, Reachable: true}, nil
}

// FetchOHLCVRequest parameterizes fetch_ohlcv.
type FetchOHLCVRequest struct {
	Symbol         string
	Timeframe      domain.Timeframe
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	StartTime      *time.Time
	EndTime        *time.Time
	Limit          int
	MaxChunks      int
}

// FetchOHLCV resolves symbol's historical bars for timeframe, chunking the
// request across as many venue calls as the chunk engine's policy and
// MaxChunks require.
func (c *Client) FetchOHLCV(ctx context.Context, r FetchOHLCVRequest) (domain.OHLCV, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	if r.Symbol == "" {
		return domain.OHLCV{}, xerrors.Validation("symbol is required")
	}
	req := domain.DataRequest{
		Feature:        domain.FeatureOHLCV,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
		Symbol:         r.Symbol,
		Timeframe:      r.Timeframe,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		Limit:          r.Limit,
		MaxChunks:      r.MaxChunks,
	}
	out, err := c.router.Route(ctx, req)
	if err != nil {
		return domain.OHLCV{}, err
	}
	return out.(domain.OHLCV), nil
}

// FetchOrderBookRequest parameterizes fetch_order_book.
type FetchOrderBookRequest struct {
	Symbol         string
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	Depth          int
}

// FetchOrderBook returns a point-in-time order book snapshot. Depth
// defaults to 100 levels per side.
func (c *Client) FetchOrderBook(ctx context.Context, r FetchOrderBookRequest) (domain.OrderBook, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	depth := r.Depth
	if depth <= 0 {
		depth = 100
	}
	req := domain.DataRequest{
		Feature:        domain.FeatureOrderBook,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
		Symbol:         r.Symbol,
		Depth:          depth,
	}
	out, err := c.router.Route(ctx, req)
	if err != nil {
		return domain.OrderBook{}, err
	}
	return out.(domain.OrderBook), nil
}

// FetchRecentTradesRequest parameterizes fetch_recent_trades.
type FetchRecentTradesRequest struct {
	Symbol         string
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	Limit          int
}

// FetchRecentTrades returns the most recent prints for Symbol. Limit
// defaults to 500.
func (c *Client) FetchRecentTrades(ctx context.Context, r FetchRecentTradesRequest) ([]domain.Trade, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	limit := r.Limit
	if limit <= 0 {
		limit = 500
	}
	req := domain.DataRequest{
		Feature:        domain.FeatureTrades,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
		Symbol:         r.Symbol,
		Limit:          limit,
	}
	out, err := c.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.([]domain.Trade), nil
}

// FetchHistoricalTradesRequest parameterizes fetch_historical_trades.
type FetchHistoricalTradesRequest struct {
	Symbol         string
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	Limit          int
	FromID         string
}

// FetchHistoricalTrades returns a page of trade history starting at FromID
// (venue-native trade id cursor), or the most recent page if FromID is
// empty.
func (c *Client) FetchHistoricalTrades(ctx context.Context, r FetchHistoricalTradesRequest) ([]domain.Trade, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	req := domain.DataRequest{
		Feature:        domain.FeatureHistoricalTrades,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
		Symbol:         r.Symbol,
		Limit:          r.Limit,
		FromID:         r.FromID,
		Historical:     true,
	}
	out, err := c.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.([]domain.Trade), nil
}

// FetchSymbolsRequest parameterizes fetch_symbols.
type FetchSymbolsRequest struct {
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	QuoteAsset     string
}

// FetchSymbols lists tradeable-instrument metadata, optionally filtered to
// one quote asset.
func (c *Client) FetchSymbols(ctx context.Context, r FetchSymbolsRequest) ([]domain.Symbol, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	req := domain.DataRequest{
		Feature:        domain.FeatureSymbolMetadata,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
	}
	if r.QuoteAsset != "" {
		req.ExtraParams = map[string]string{"quoteAsset": r.QuoteAsset}
	}
	out, err := c.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	symbols := out.([]domain.Symbol)
	if r.QuoteAsset == "" {
		return symbols, nil
	}
	filtered := make([]domain.Symbol, 0, len(symbols))
	for _, s := range symbols {
		if s.QuoteAsset == r.QuoteAsset {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// FetchOpenInterestRequest parameterizes fetch_open_interest.
type FetchOpenInterestRequest struct {
	Symbol         string
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	Historical     bool
	StartTime      *time.Time
	EndTime        *time.Time
	Period         string
	Limit          int
}

// FetchOpenInterest returns open-interest samples for Symbol. When
// Historical is false only the current reading is returned (the shape
// every venue exposes without a time window; see the expanded spec's Open
// Question on open-interest history semantics).
func (c *Client) FetchOpenInterest(ctx context.Context, r FetchOpenInterestRequest) ([]domain.OpenInterest, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	req := domain.DataRequest{
		Feature:        domain.FeatureOpenInterest,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
		Symbol:         r.Symbol,
		Historical:     r.Historical,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		Period:         r.Period,
		Limit:          r.Limit,
	}
	out, err := c.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.([]domain.OpenInterest), nil
}

// FetchFundingRatesRequest parameterizes fetch_funding_rates.
type FetchFundingRatesRequest struct {
	Symbol         string
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	StartTime      *time.Time
	EndTime        *time.Time
	Limit          int
}

// FetchFundingRates returns funding-rate entries for Symbol. Limit
// defaults to 100. The Bybit and Hyperliquid handlers return only the
// most recent entry, as a one-element slice, whatever the limit and time
// bounds.
func (c *Client) FetchFundingRates(ctx context.Context, r FetchFundingRatesRequest) ([]domain.FundingRate, error) {
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	limit := r.Limit
	if limit <= 0 {
		limit = 100
	}
	req := domain.DataRequest{
		Feature:        domain.FeatureFundingRate,
		Transport:      domain.TransportREST,
		Exchange:       exchange,
		MarketType:     market,
		InstrumentType: instrument,
		Symbol:         r.Symbol,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		Limit:          limit,
	}
	out, err := c.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.([]domain.FundingRate), nil
}

// StreamRequest parameterizes every stream_* method: one or more symbols
// on a single venue/feature, fanned across as many connections as that
// venue's WSEndpointSpec requires.
type StreamRequest struct {
	Symbols        []string
	Exchange       string
	MarketType     domain.MarketType
	InstrumentType domain.InstrumentType
	Timeframe      domain.Timeframe // OHLCV only
}

func (c *Client) buildStreamRequests(feature domain.DataFeature, r StreamRequest) ([]domain.DataRequest, error) {
	if len(r.Symbols) == 0 {
		return nil, xerrors.Validation("stream requires at least one symbol")
	}
	exchange, market, instrument := c.resolve(r.Exchange, r.MarketType, r.InstrumentType)
	reqs := make([]domain.DataRequest, 0, len(r.Symbols))
	for _, sym := range r.Symbols {
		reqs = append(reqs, domain.DataRequest{
			Feature:        feature,
			Transport:      domain.TransportWS,
			Exchange:       exchange,
			MarketType:     market,
			InstrumentType: instrument,
			Symbol:         sym,
			Timeframe:      r.Timeframe,
		})
	}
	return reqs, nil
}

// StreamOHLCV opens a live multi-symbol bar subscription.
func (c *Client) StreamOHLCV(ctx context.Context, r StreamRequest) (<-chan wsrunner.Item, error) {
	reqs, err := c.buildStreamRequests(domain.FeatureOHLCV, r)
	if err != nil {
		return nil, err
	}
	return c.router.RouteStream(ctx, reqs)
}

// StreamTrades opens a live multi-symbol trade-print subscription.
func (c *Client) StreamTrades(ctx context.Context, r StreamRequest) (<-chan wsrunner.Item, error) {
	reqs, err := c.buildStreamRequests(domain.FeatureTrades, r)
	if err != nil {
		return nil, err
	}
	return c.router.RouteStream(ctx, reqs)
}

// StreamOrderBook opens a live multi-symbol order-book subscription.
func (c *Client) StreamOrderBook(ctx context.Context, r StreamRequest) (<-chan wsrunner.Item, error) {
	reqs, err := c.buildStreamRequests(domain.FeatureOrderBook, r)
	if err != nil {
		return nil, err
	}
	return c.router.RouteStream(ctx, reqs)
}

// StreamOpenInterest opens a live multi-symbol open-interest subscription.
func (c *Client) StreamOpenInterest(ctx context.Context, r StreamRequest) (<-chan wsrunner.Item, error) {
	reqs, err := c.buildStreamRequests(domain.FeatureOpenInterest, r)
	if err != nil {
		return nil, err
	}
	return c.router.RouteStream(ctx, reqs)
}

// StreamFundingRate opens a live multi-symbol funding-rate subscription.
func (c *Client) StreamFundingRate(ctx context.Context, r StreamRequest) (<-chan wsrunner.Item, error) {
	reqs, err := c.buildStreamRequests(domain.FeatureFundingRate, r)
	if err != nil {
		return nil, err
	}
	return c.router.RouteStream(ctx, reqs)
}

// StreamMarkPrice opens a live multi-symbol mark-price subscription.
func (c *Client) StreamMarkPrice(ctx context.Context, r StreamRequest) (<-chan wsrunner.Item, error) {
	reqs, err := c.buildStreamRequests(domain.FeatureMarkPrice, r)
	if err != nil {
		return nil, err
	}
	return c.router.RouteStream(ctx, reqs)
}

// StreamLiquidations opens a live multi-symbol forced-liquidation
// subscription.
func (c *Client) StreamLiquidations(ctx context.Context, r StreamRequest) (<-chan wsrunner.Item, error) {
	reqs, err := c.buildStreamRequests(domain.FeatureLiquidations, r)
	if err != nil {
		return nil, err
	}
	return c.router.RouteStream(ctx, reqs)
}

// NewFeedCache constructs a long-running multi-symbol bar cache routed
// through this Client's Router. The returned Cache is tracked so Close
// tears it down along with everything else the Client owns; callers that
// want independent lifetime control may still call Cache.Close directly.
func (c *Client) NewFeedCache() *feedcache.Cache {
	cache := feedcache.New(c.router)
	c.mu.Lock()
	c.caches = append(c.caches, cache)
	c.mu.Unlock()
	return cache
}

// Venues lists every registered venue name.
func (c *Client) Venues() []string { return c.router.Venues() }

// Capabilities exposes the shared capability registry for introspection
// (e.g. "does Kraken support funding rates on spot?") without issuing a
// request.
func (c *Client) Capabilities() *capability.Registry { return c.caps }

// Close tears down every feed cache this Client constructed. Per spec.md
// §4.10, the router and its providers hold no persistent connections
// outside of active Fetch/Stream calls (each owns its own context), so
// there is nothing else to release here beyond the caches' subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cache := range c.caches {
		cache.Close()
	}
	c.caches = nil
}
