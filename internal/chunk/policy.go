// Package chunk implements spec.md §4.3's chunking engine: it splits a
// historical data request that would exceed a venue's per-call point cap
// into a sequence of bounded calls, dedupes the stitched result by
// timestamp, and tracks the rate-limit weight spent doing so. Grounded on
// the teacher's internal/net/budget/budget.go weight-tracking counters and
// internal/providers/kraken/client.go pagination-by-repeated-GET pattern.
package chunk

import (
	"time"

	"github.com/sawpanic/marketdata/internal/domain"
)

// Hint tells the planner which query parameters drive pagination for a
// given endpoint.
type Hint struct {
	TimestampKey string // field in each returned row holding its timestamp
	CursorField  string // query param carrying the next-page cursor, if any
	LimitField   string // query param carrying the page size
	StartField   string // query param carrying the window start
	EndField     string // query param carrying the window end
}

// WeightPolicy computes the rate-limit weight a single call of a given
// limit consumes, matching spec.md §4.3's static-or-computed weight model.
type WeightPolicy struct {
	Static    float64
	Calculate func(limit int) float64
}

func (w WeightPolicy) Weight(limit int) float64 {
	if w.Calculate != nil {
		return w.Calculate(limit)
	}
	return w.Static
}

// Policy describes one endpoint's chunking characteristics.
type Policy struct {
	MaxPoints            int
	MaxChunks            int
	RequiresStartTime    bool
	SupportsAutoChunking bool
	Weight               WeightPolicy

	// ApproxMonthWindow is the span windowSeconds reports for MO1. No MO1
	// request reaches the time-based path (Planner sends them to the
	// limit-based path or refuses them), so no planned window is sized from
	// it, and it is never used to derive bar-open timestamps.
	ApproxMonthWindow time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxPoints <= 0 {
		p.MaxPoints = 1000
	}
	if p.MaxChunks <= 0 {
		p.MaxChunks = 50
	}
	if p.ApproxMonthWindow <= 0 {
		p.ApproxMonthWindow = 30 * 24 * time.Hour
	}
	return p
}

// Step is one bounded call the executor will issue.
type Step struct {
	Query map[string]string
	Limit int
}

// Plan is the sequence of calls the planner emits for one request. An
// OpenEnded plan (cursor-based mode) holds only its first step; Executor
// issues each follow-up step by rewriting the previous query through Hint.
// Other plans list every step up front (time-based mode covers a known
// [start,end) window split into MaxPoints-sized pages; limit-based mode
// splits Limit into MaxPoints-sized pages).
type Plan struct {
	Steps    []Step
	OpenEnded bool
	Hint     Hint
}

// Mode reports which planning strategy produced a Plan, useful for tests
// and telemetry labeling.
type Mode string

const (
	ModeFastPath    Mode = "fast_path"
	ModeTimeBased   Mode = "time_based"
	ModeLimitBased  Mode = "limit_based"
	ModeCursorBased Mode = "cursor_based"
)

// windowSeconds resolves a domain.Timeframe for windowing; MO1 returns
// ApproxMonthWindow rather than a fixed seconds count.
func windowSeconds(tf domain.Timeframe, policy Policy) (int64, bool) {
	if tf.IsCalendarMonth() {
		return int64(policy.ApproxMonthWindow.Seconds()), true
	}
	return tf.Seconds()
}
