package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketdata/internal/capability"
	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/wsrunner"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

func TestProvider_Fetch_DefaultDenyWithoutCapabilityDeclared(t *testing.T) {
	caps := capability.NewRegistry()
	p := New("TEST", caps)
	p.RegisterFetch(domain.FeatureOHLCV, func(ctx context.Context, req domain.DataRequest) (any, error) {
		return domain.OHLCV{}, nil
	})

	_, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Symbol: "BTCUSDT",
		MarketType: domain.Spot, InstrumentType: domain.InstrumentSpot,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindCapability))
}

func TestProvider_Fetch_DispatchesToRegisteredHandler(t *testing.T) {
	caps := capability.NewRegistry()
	caps.Declare(capability.Key{Venue: "TEST", Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	p := New("TEST", caps)
	called := false
	p.RegisterFetch(domain.FeatureOHLCV, func(ctx context.Context, req domain.DataRequest) (any, error) {
		called = true
		assert.Equal(t, "TEST", req.Exchange)
		return domain.OHLCV{Meta: domain.SeriesMeta{Symbol: req.Symbol}}, nil
	})

	result, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureOHLCV, Transport: domain.TransportREST, Symbol: "BTCUSDT",
		MarketType: domain.Spot, InstrumentType: domain.InstrumentSpot,
	})
	require.NoError(t, err)
	assert.True(t, called)
	ohlcv, ok := result.(domain.OHLCV)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", ohlcv.Meta.Symbol)
}

// Declaring a capability Supported without registering a matching handler
// must fail at dispatch time rather than silently succeeding — the exact
// class of bug found and fixed in the venue connectors.
func TestProvider_Fetch_DeclaredButUnregisteredFeatureErrors(t *testing.T) {
	caps := capability.NewRegistry()
	caps.Declare(capability.Key{Venue: "TEST", Feature: domain.FeatureMarkPrice, Transport: domain.TransportREST, Market: domain.Futures, Instrument: domain.InstrumentPerpetual}, capability.Supported)
	p := New("TEST", caps)

	_, err := p.Fetch(context.Background(), domain.DataRequest{
		Feature: domain.FeatureMarkPrice, Transport: domain.TransportREST, Symbol: "BTCUSDT",
		MarketType: domain.Futures, InstrumentType: domain.InstrumentPerpetual,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindCapability))
}

func TestProvider_Stream_RejectsMixedFeatureBatch(t *testing.T) {
	caps := capability.NewRegistry()
	caps.Declare(capability.Key{Venue: "TEST", Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	caps.Declare(capability.Key{Venue: "TEST", Feature: domain.FeatureOHLCV, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	p := New("TEST", caps)
	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		return nil, nil
	})

	_, err := p.Stream(context.Background(), []domain.DataRequest{
		{Feature: domain.FeatureTrades, Symbol: "BTCUSDT", MarketType: domain.Spot, InstrumentType: domain.InstrumentSpot},
		{Feature: domain.FeatureOHLCV, Symbol: "ETHUSDT", MarketType: domain.Spot, InstrumentType: domain.InstrumentSpot},
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindValidation))
}

func TestProvider_Stream_EmptyBatchErrors(t *testing.T) {
	caps := capability.NewRegistry()
	p := New("TEST", caps)
	_, err := p.Stream(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindValidation))
}

func TestProvider_Stream_DispatchesWithWSTransportStamped(t *testing.T) {
	caps := capability.NewRegistry()
	caps.Declare(capability.Key{Venue: "TEST", Feature: domain.FeatureTrades, Transport: domain.TransportWS, Market: domain.Spot, Instrument: domain.InstrumentSpot}, capability.Supported)
	p := New("TEST", caps)
	var seenTransport domain.TransportKind
	p.RegisterStream(domain.FeatureTrades, func(ctx context.Context, reqs []domain.DataRequest) (<-chan wsrunner.Item, error) {
		seenTransport = reqs[0].Transport
		ch := make(chan wsrunner.Item)
		close(ch)
		return ch, nil
	})

	_, err := p.Stream(context.Background(), []domain.DataRequest{
		{Feature: domain.FeatureTrades, Symbol: "BTCUSDT", MarketType: domain.Spot, InstrumentType: domain.InstrumentSpot},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TransportWS, seenTransport)
}

func TestProvider_Capabilities_ExposesSharedRegistry(t *testing.T) {
	caps := capability.NewRegistry()
	p := New("TEST", caps)
	assert.Same(t, caps, p.Capabilities())
}
