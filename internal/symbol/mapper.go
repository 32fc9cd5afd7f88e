// Package symbol implements spec.md §4.7's unified resolution mapper: a
// per-venue bidirectional mapping between the canonical symbol form
// (BASEQUOTE, e.g. "BTCUSDT") and whatever form a venue's wire API expects
// (e.g. Kraken's "XBT/USD", OKX's "BTC-USDT", Hyperliquid's base-only coin
// names for perpetuals). Grounded on the teacher's
// internal/providers/kraken/client.go normalizePairName/isUSDPair helpers,
// generalized into a table-driven mapper shared by every venue connector.
package symbol

import (
	"strings"

	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Mapper translates between canonical and venue-native symbol spellings for
// one venue. Zero value is usable; register aliases before first use.
type Mapper struct {
	venue string

	// aliases holds venue-specific asset renames applied before/after the
	// generic separator transform (e.g. Kraken's XBT for BTC).
	toVenueAsset   map[string]string
	toCanonAsset   map[string]string
	separator      string
	venueUppercase bool
}

// Option configures a Mapper at construction.
type Option func(*Mapper)

// WithSeparator sets the separator a venue places between base and quote
// (e.g. "-" for OKX, "/" for Kraken, "" for Binance).
func WithSeparator(sep string) Option {
	return func(m *Mapper) { m.separator = sep }
}

// WithAsset registers a bidirectional asset alias, e.g. WithAsset("BTC", "XBT").
func WithAsset(canonical, venueForm string) Option {
	return func(m *Mapper) {
		m.toVenueAsset[canonical] = venueForm
		m.toCanonAsset[venueForm] = canonical
	}
}

// WithVenueUppercase forces the venue-native spelling to uppercase (most
// venues); set false for venues that lowercase their wire symbols.
func WithVenueUppercase(upper bool) Option {
	return func(m *Mapper) { m.venueUppercase = upper }
}

// New constructs a Mapper for venue.
func New(venue string, opts ...Option) *Mapper {
	m := &Mapper{
		venue:          venue,
		toVenueAsset:   make(map[string]string),
		toCanonAsset:   make(map[string]string),
		venueUppercase: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ToVenue converts a canonical BASEQUOTE symbol (e.g. "BTCUSDT") into this
// venue's wire spelling, given the quote asset so base/quote can be
// split (canonical symbols carry no separator).
func (m *Mapper) ToVenue(canonical, quote string) (string, error) {
	if !strings.HasSuffix(canonical, quote) || len(canonical) <= len(quote) {
		return "", xerrors.SymbolResolution(m.venue, canonical)
	}
	base := canonical[:len(canonical)-len(quote)]

	venueBase := m.lookup(m.toVenueAsset, base)
	venueQuote := m.lookup(m.toVenueAsset, quote)

	out := venueBase + m.separator + venueQuote
	if m.venueUppercase {
		out = strings.ToUpper(out)
	} else {
		out = strings.ToLower(out)
	}
	return out, nil
}

// FromVenue converts a venue-native symbol back to canonical BASEQUOTE
// form. The venue form must contain Mapper's configured separator (unless
// empty, in which case the caller is expected to already know the split
// point and should use FromVenueSplit instead).
func (m *Mapper) FromVenue(venueSymbol string) (string, error) {
	if m.separator == "" {
		return "", xerrors.SymbolResolution(m.venue, venueSymbol)
	}
	parts := strings.SplitN(venueSymbol, m.separator, 2)
	if len(parts) != 2 {
		return "", xerrors.SymbolResolution(m.venue, venueSymbol)
	}
	base := m.lookup(m.toCanonAsset, strings.ToUpper(parts[0]))
	quote := m.lookup(m.toCanonAsset, strings.ToUpper(parts[1]))
	return strings.ToUpper(base + quote), nil
}

// FromVenueSplit converts a venue-native symbol with no separator back to
// canonical form, given the already-known base length (used by venues like
// Binance whose wire symbols concatenate base+quote with no delimiter).
func (m *Mapper) FromVenueSplit(venueSymbol string, baseLen int) (string, error) {
	if baseLen <= 0 || baseLen >= len(venueSymbol) {
		return "", xerrors.SymbolResolution(m.venue, venueSymbol)
	}
	base := m.lookup(m.toCanonAsset, strings.ToUpper(venueSymbol[:baseLen]))
	quote := m.lookup(m.toCanonAsset, strings.ToUpper(venueSymbol[baseLen:]))
	return strings.ToUpper(base + quote), nil
}

func (m *Mapper) lookup(table map[string]string, asset string) string {
	if alias, ok := table[strings.ToUpper(asset)]; ok {
		return alias
	}
	return asset
}
