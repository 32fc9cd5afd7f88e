package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Trade is a single executed trade print. TradeID stays string-typed
// domain-wide (see the Open Question in spec.md §9): venues that report
// non-numeric ids are not forced into a lossy numeric
// field. Callers that need a stable numeric surrogate use NumericTradeID.
type Trade struct {
	Symbol        string
	TradeID       string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal // zero value means "not reported"
	Timestamp     time.Time
	IsBuyerMaker  bool
	IsBestMatch   *bool // nil means "not reported"
}

// Validate enforces Price > 0 and Quantity > 0.
func (t Trade) Validate() error {
	if !t.Price.IsPositive() {
		return xerrors.Data("", "trade price must be > 0")
	}
	if !t.Quantity.IsPositive() {
		return xerrors.Data("", "trade quantity must be > 0")
	}
	return nil
}

// tradeIDNamespace is the fixed UUIDv5 namespace NumericTradeID hashes
// under; the venue prefix in the hashed name is what keeps equal trade ids
// from different venues from hashing the same input.
var tradeIDNamespace = uuid.MustParse("6f6ad96a-27c0-4a95-8b37-0f5a4a2b9b39")

// NumericTradeID derives a stable uint64 surrogate from TradeID by hashing
// "venue:tradeID" with UUIDv5. ok is false if TradeID is empty. This does
// not eliminate collision risk (a 64-bit truncation of a 128-bit hash can
// theoretically collide); callers requiring exact identity should use
// TradeID directly.
func (t Trade) NumericTradeID(venue string) (id uint64, ok bool) {
	if t.TradeID == "" {
		return 0, false
	}
	h := uuid.NewSHA1(tradeIDNamespace, []byte(venue+":"+t.TradeID))
	b := h[:8]
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, true
}

// OrderBookLevel is a single (price, quantity) level.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a point-in-time snapshot. Bids must be sorted descending by
// price and Asks ascending; at least one level is required on each side.
type OrderBook struct {
	Symbol       string
	LastUpdateID int64
	Sequence     int64 // optional; zero means "not reported"
	Bids         []OrderBookLevel
	Asks         []OrderBookLevel
	Timestamp    time.Time
}

// Validate enforces non-empty sides and correct ordering.
func (b OrderBook) Validate() error {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return xerrors.Data("", "order book requires at least one level on each side")
	}
	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price.GreaterThan(b.Bids[i-1].Price) {
			return xerrors.Data("", "bids must be descending by price")
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price.LessThan(b.Asks[i-1].Price) {
			return xerrors.Data("", "asks must be ascending by price")
		}
	}
	return nil
}
