package domain

// MarketType is the asset class traded on a venue.
type MarketType string

const (
	Spot    MarketType = "SPOT"
	Futures MarketType = "FUTURES"
	Options MarketType = "OPTIONS"
)

// MarketVariant refines MarketType with the contract shape.
type MarketVariant string

const (
	VariantSpot        MarketVariant = "SPOT"
	VariantLinearPerp  MarketVariant = "LINEAR_PERP"
	VariantInversePerp MarketVariant = "INVERSE_PERP"
	VariantDelivery    MarketVariant = "DELIVERY"
	VariantOption      MarketVariant = "OPTION"
)

// VariantFromMarketType derives the default variant for a market type.
// FUTURES defaults to LINEAR_PERP absent a more specific instrument type.
func VariantFromMarketType(t MarketType) MarketVariant {
	switch t {
	case Spot:
		return VariantSpot
	case Futures:
		return VariantLinearPerp
	case Options:
		return VariantOption
	default:
		return VariantSpot
	}
}

// InstrumentType is the venue-reported contract kind, finer-grained than
// MarketType (e.g. distinguishing perpetuals from dated delivery futures).
type InstrumentType string

const (
	InstrumentSpot      InstrumentType = "SPOT"
	InstrumentPerpetual InstrumentType = "PERPETUAL"
	InstrumentDelivery  InstrumentType = "DELIVERY"
	InstrumentOption    InstrumentType = "OPTION"
)

// DataFeature is a data capability a venue may or may not support.
type DataFeature string

const (
	FeatureHealth           DataFeature = "HEALTH"
	FeatureOHLCV            DataFeature = "OHLCV"
	FeatureTrades           DataFeature = "TRADES"
	FeatureHistoricalTrades DataFeature = "HISTORICAL_TRADES"
	FeatureOrderBook        DataFeature = "ORDER_BOOK"
	FeatureSymbolMetadata   DataFeature = "SYMBOL_METADATA"
	FeatureOpenInterest     DataFeature = "OPEN_INTEREST"
	FeatureFundingRate      DataFeature = "FUNDING_RATE"
	FeatureMarkPrice        DataFeature = "MARK_PRICE"
	FeatureLiquidations     DataFeature = "LIQUIDATIONS"
)

// TransportKind is the wire mechanism used to serve a feature.
type TransportKind string

const (
	TransportREST TransportKind = "REST"
	TransportWS   TransportKind = "WS"
)
