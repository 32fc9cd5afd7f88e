// Package xerrors defines the error taxonomy shared across the aggregation
// pipeline. Every error surfaced to a caller of the top-level API is one of
// these kinds, carrying a machine-readable Kind() and a human message.
package xerrors

import (
	"fmt"
	"time"
)

// Kind is the machine-readable error classification.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindInvalidSymbol    Kind = "INVALID_SYMBOL"
	KindInvalidInterval  Kind = "INVALID_INTERVAL"
	KindCapability       Kind = "CAPABILITY"
	KindSymbolResolution Kind = "SYMBOL_RESOLUTION"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindNetwork          Kind = "NETWORK"
	KindProvider         Kind = "PROVIDER"
	KindData             Kind = "DATA"
)

// Error is the common shape every taxonomy member implements.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error

	// Provider-specific detail, populated only for KindProvider.
	Venue        string
	VenueCode    string
	HTTPStatus   int

	// Populated only for KindRateLimit.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Venue != "" && e.VenueCode != "" {
		return fmt.Sprintf("%s: %s [%s code=%s]", e.Kind, e.Message, e.Venue, e.VenueCode)
	}
	if e.Venue != "" {
		return fmt.Sprintf("%s: %s [%s]", e.Kind, e.Message, e.Venue)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Validation wraps a structural request error. Fails fast, before any I/O.
func Validation(format string, args ...any) *Error {
	return newErr(KindValidation, fmt.Sprintf(format, args...))
}

// InvalidSymbol reports a symbol the URM or venue interval map rejected.
func InvalidSymbol(symbol string) *Error {
	return newErr(KindInvalidSymbol, fmt.Sprintf("symbol %q not recognized", symbol))
}

// InvalidInterval reports a timeframe absent from a venue's interval map.
func InvalidInterval(venue string, tf fmt.Stringer) *Error {
	return newErr(KindInvalidInterval, fmt.Sprintf("venue %s does not support timeframe %s", venue, tf))
}

// Capability reports that the capability registry denied a request before
// any transport-level call was attempted.
func Capability(venue, feature, transport, reason string) *Error {
	e := newErr(KindCapability, fmt.Sprintf("%s does not support %s over %s: %s", venue, feature, transport, reason))
	e.Venue = venue
	return e
}

// SymbolResolution reports a canonical<->venue symbol mapping failure.
func SymbolResolution(venue, symbol string) *Error {
	e := newErr(KindSymbolResolution, fmt.Sprintf("cannot resolve symbol %q for venue %s", symbol, venue))
	e.Venue = venue
	return e
}

// RateLimit reports transport-level 429/418 retry-budget exhaustion.
func RateLimit(venue string, retryAfter time.Duration) *Error {
	e := newErr(KindRateLimit, "rate limit retry budget exhausted")
	e.Venue = venue
	e.RetryAfter = retryAfter
	return e
}

// Network reports a transport-level failure (DNS, TCP, TLS, idle timeout).
func Network(venue string, cause error) *Error {
	e := newErr(KindNetwork, fmt.Sprintf("network error: %v", cause))
	e.Venue = venue
	e.Wrapped = cause
	return e
}

// Provider reports a structured venue error (non-zero envelope code,
// unexpected HTTP status, malformed envelope).
func Provider(venue, code, message string, httpStatus int) *Error {
	e := newErr(KindProvider, message)
	e.Venue = venue
	e.VenueCode = code
	e.HTTPStatus = httpStatus
	return e
}

// ProviderWrap wraps an underlying cause as a provider error.
func ProviderWrap(venue string, cause error) *Error {
	e := newErr(KindProvider, cause.Error())
	e.Venue = venue
	e.Wrapped = cause
	return e
}

// Data reports an adapter-level mismatch: missing field, unparseable value.
func Data(venue, message string) *Error {
	e := newErr(KindData, message)
	e.Venue = venue
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
