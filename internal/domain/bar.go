package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Bar is a single OHLCV candle. Timestamps are UTC, aligned to bar-open.
// Bar is a value type: once constructed it is never mutated.
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	IsClosed  bool
}

// Validate enforces low <= min(open,close) <= max(open,close) <= high and
// volume >= 0.
func (b Bar) Validate() error {
	if b.Volume.IsNegative() {
		return xerrors.Data("", "bar volume must be >= 0")
	}
	lo := decimal.Min(b.Open, b.Close)
	hi := decimal.Max(b.Open, b.Close)
	if b.Low.GreaterThan(lo) {
		return xerrors.Data("", "bar low must be <= min(open,close)")
	}
	if hi.GreaterThan(b.High) {
		return xerrors.Data("", "bar high must be >= max(open,close)")
	}
	if b.Low.GreaterThan(b.High) {
		return xerrors.Data("", "bar low must be <= high")
	}
	return nil
}

// SeriesMeta identifies an OHLCV series by its symbol and timeframe.
type SeriesMeta struct {
	Symbol    string
	Timeframe Timeframe
}

// OHLCV is a symbol/timeframe identity paired with a chronologically
// ordered sequence of bars. Venue adapters must sort Bars ascending by
// Timestamp before constructing an OHLCV value.
type OHLCV struct {
	Meta SeriesMeta
	Bars []Bar
}

// Validate checks the strictly-ascending-by-timestamp invariant and
// validates every bar.
func (o OHLCV) Validate() error {
	for i, b := range o.Bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !o.Bars[i].Timestamp.After(o.Bars[i-1].Timestamp) {
			return xerrors.Data("", "bars must be strictly ascending by timestamp")
		}
	}
	return nil
}

// StreamingBar is a live Bar update tagged with its symbol. Its default
// dedupe identity is (Symbol, Timestamp, Close).
type StreamingBar struct {
	Symbol string
	Bar
}

// DedupeKey returns the default identity used by stream dedupe filters.
func (s StreamingBar) DedupeKey() string {
	return s.Symbol + "|" + s.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + s.Close.String()
}
