package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketdata/internal/capability"
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

func TestBybit_Kline_ReordersNewestFirstToAscending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"retCode": 0,
			"retMsg": "OK",
			"result": {
				"list": [
					["1700000120000","100","101","99","100.5","10"],
					["1700000060000","99","100","98","100","8"],
					["1700000000000","98","99","97","99","5"]
				]
			}
		}`))
	}))
	defer server.Close()

	caps := capability.NewRegistry()
	p := New(server.URL, server.URL, "linear", caps, nil)

	out, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureOHLCV, Transport: domain.TransportREST,
		Symbol: "BTCUSDT", Timeframe: domain.M1, Limit: 3,
		MarketType: domain.Futures, InstrumentType: domain.InstrumentPerpetual,
	})
	require.NoError(t, err)
	ohlcv, ok := out.(domain.OHLCV)
	require.True(t, ok)
	require.Len(t, ohlcv.Bars, 3)
	assert.True(t, ohlcv.Bars[0].Timestamp.Before(ohlcv.Bars[1].Timestamp))
	assert.True(t, ohlcv.Bars[1].Timestamp.Before(ohlcv.Bars[2].Timestamp))
}

func TestBybit_ErrorEnvelope_MapsToProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"retCode": 10001, "retMsg": "params error", "result": {}}`))
	}))
	defer server.Close()

	caps := capability.NewRegistry()
	p := New(server.URL, server.URL, "linear", caps, nil)

	_, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureOHLCV, Transport: domain.TransportREST,
		Symbol: "BTCUSDT", Timeframe: domain.M1, Limit: 3,
		MarketType: domain.Futures, InstrumentType: domain.InstrumentPerpetual,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindProvider))
}

// Open interest, mark price, and funding rate are only declared Supported
// for the linear category; spot-category providers must default-deny them.
func TestBybit_SpotCategory_DoesNotSupportDerivativesFeatures(t *testing.T) {
	caps := capability.NewRegistry()
	p := New("http://example.invalid", "wss://example.invalid", "spot", caps, nil)

	_, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureOpenInterest, Transport: domain.TransportREST,
		Symbol: "BTCUSDT", MarketType: domain.Spot, InstrumentType: domain.InstrumentSpot,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindCapability))
}

func TestBybit_LinearCategory_SupportsOpenInterest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"retCode": 0, "retMsg": "OK",
			"result": {"list": [{"openInterest":"12345.6","timestamp":"1700000000000"}]}
		}`))
	}))
	defer server.Close()

	caps := capability.NewRegistry()
	p := New(server.URL, server.URL, "linear", caps, nil)

	out, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureOpenInterest, Transport: domain.TransportREST,
		Symbol: "BTCUSDT", MarketType: domain.Futures, InstrumentType: domain.InstrumentPerpetual,
	})
	require.NoError(t, err)
	ois, ok := out.([]domain.OpenInterest)
	require.True(t, ok)
	require.Len(t, ois, 1)
	assert.Equal(t, "BTCUSDT", ois[0].Symbol)
}

func TestBybit_SymbolMetadata_NonTradingStatusMapsToBreak(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"retCode": 0, "retMsg": "OK",
			"result": {"list": [
				{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading",
				 "priceFilter":{"tickSize":"0.1"},"lotSizeFilter":{"qtyStep":"0.001","minNotionalValue":"5"}},
				{"symbol":"OLDUSDT","baseCoin":"OLD","quoteCoin":"USDT","status":"Delisted",
				 "priceFilter":{"tickSize":"0.1"},"lotSizeFilter":{"qtyStep":"0.001","minNotionalValue":"5"}}
			]}
		}`))
	}))
	defer server.Close()

	caps := capability.NewRegistry()
	p := New(server.URL, server.URL, "linear", caps, nil)

	out, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureSymbolMetadata, Transport: domain.TransportREST,
		MarketType: domain.Futures, InstrumentType: domain.InstrumentPerpetual,
	})
	require.NoError(t, err)
	symbols, ok := out.([]domain.Symbol)
	require.True(t, ok)
	require.Len(t, symbols, 2)
	assert.Equal(t, domain.StatusTrading, symbols[0].Status)
	assert.Equal(t, domain.StatusBreak, symbols[1].Status)
}
