package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenInterest is a venue-reported open-interest sample. Timestamp is the
// venue's reported sample time, not a client-chosen window: OKX and Bybit
// in particular expose only the current-interval reading at a fixed
// intervalTime, so "historical" semantics differ subtly between venues
// (see spec.md §9 Open Questions).
type OpenInterest struct {
	Symbol           string
	Timestamp        time.Time
	OpenInterest     decimal.Decimal
	OpenInterestValue decimal.NullDecimal
}

// FundingRate is a single funding-rate observation.
type FundingRate struct {
	Symbol      string
	FundingTime time.Time
	FundingRate decimal.Decimal
	MarkPrice   decimal.NullDecimal
}

// MarkPrice is a venue's mark-price snapshot, typically alongside the
// index price and the next funding window.
type MarkPrice struct {
	Symbol           string
	MarkPrice        decimal.Decimal
	IndexPrice       decimal.NullDecimal
	LastFundingRate  decimal.NullDecimal
	NextFundingTime  *time.Time
	Timestamp        time.Time
}

// LiquidationSide is the side of a forced liquidation order.
type LiquidationSide string

const (
	LiquidationBuy  LiquidationSide = "BUY"
	LiquidationSell LiquidationSide = "SELL"
)

// Liquidation is a single force-order descriptor.
type Liquidation struct {
	Symbol    string
	Side      LiquidationSide
	OrderType string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// SymbolStatus is the venue-reported trading status of a symbol.
type SymbolStatus string

const (
	StatusTrading  SymbolStatus = "TRADING"
	StatusBreak    SymbolStatus = "BREAK"
	StatusDelisted SymbolStatus = "DELISTED"
)

// Symbol is venue-reported tradeable-instrument metadata.
type Symbol struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	Status       SymbolStatus
	TickSize     decimal.NullDecimal
	StepSize     decimal.NullDecimal
	MinNotional  decimal.NullDecimal
	ContractType string // zero value means "not applicable" (spot)
	DeliveryDate *time.Time
}
