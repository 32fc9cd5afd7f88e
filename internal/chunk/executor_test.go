package chunk

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketdata/internal/domain"
)

func bar(ts time.Time) domain.Bar {
	return domain.Bar{Timestamp: ts, Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1), IsClosed: true}
}

func TestExecutor_DedupesOverlappingPages(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pages := [][]domain.Bar{
		{bar(base), bar(base.Add(time.Minute))},
		{bar(base.Add(time.Minute)), bar(base.Add(2 * time.Minute))},
	}
	call := 0
	fetch := RawFetcher(func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error) {
		rows := pages[call]
		call++
		return rows, false, nil
	})

	plan := Plan{Steps: []Step{{Limit: 2}, {Limit: 2}}}
	executor := Executor{Endpoint: "test.endpoint", Policy: Policy{MaxChunks: 50, Weight: WeightPolicy{Static: 1}}}
	result, err := executor.Execute(context.Background(), domain.SeriesMeta{Symbol: "BTCUSDT", Timeframe: domain.M1}, plan, fetch, 0)
	require.NoError(t, err)
	require.Len(t, result.Bars, 3)
	assert.True(t, result.Bars[0].Timestamp.Before(result.Bars[1].Timestamp))
	assert.True(t, result.Bars[1].Timestamp.Before(result.Bars[2].Timestamp))
}

func TestExecutor_OpenEndedStopsWhenNoNewRows(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	fetch := RawFetcher(func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error) {
		calls++
		if calls == 1 {
			return []domain.Bar{bar(base), bar(base.Add(time.Minute))}, true, nil
		}
		return nil, false, nil
	})

	plan := Plan{Steps: []Step{{Limit: 2}}, OpenEnded: true, Hint: Hint{CursorField: "__from_id"}}
	executor := Executor{Endpoint: "test.endpoint", Policy: Policy{MaxChunks: 50, Weight: WeightPolicy{Static: 1}}}
	result, err := executor.Execute(context.Background(), domain.SeriesMeta{Symbol: "BTCUSDT", Timeframe: domain.M1}, plan, fetch, 0)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 2)
	assert.Equal(t, 2, calls)
}

func TestExecutor_PropagatesFetchError(t *testing.T) {
	fetch := RawFetcher(func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error) {
		return nil, false, assert.AnError
	})
	plan := Plan{Steps: []Step{{Limit: 2}}}
	executor := Executor{Endpoint: "test.endpoint", Policy: Policy{MaxChunks: 50, Weight: WeightPolicy{Static: 1}}}
	_, err := executor.Execute(context.Background(), domain.SeriesMeta{Symbol: "BTCUSDT", Timeframe: domain.M1}, plan, fetch, 0)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestExecutor_OpenEndedRespectsMaxChunks(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	fetch := RawFetcher(func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error) {
		ts := base.Add(time.Duration(calls) * time.Minute)
		calls++
		return []domain.Bar{bar(ts)}, true, nil
	})

	plan := Plan{Steps: []Step{{Limit: 1}}, OpenEnded: true, Hint: Hint{CursorField: "__from_id"}}
	executor := Executor{Endpoint: "test.endpoint", Policy: Policy{MaxChunks: 3, Weight: WeightPolicy{Static: 1}}}
	result, err := executor.Execute(context.Background(), domain.SeriesMeta{Symbol: "BTCUSDT", Timeframe: domain.M1}, plan, fetch, 0)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 3)
	assert.Equal(t, 3, calls)
}

// A time-based fetch given start, end, and limit together can fill the
// entire window and overshoot limit; the aggregate must be truncated.
func TestExecutor_TruncatesAggregateToLimit(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetch := RawFetcher(func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error) {
		return []domain.Bar{bar(base), bar(base.Add(time.Minute)), bar(base.Add(2 * time.Minute))}, false, nil
	})

	plan := Plan{Steps: []Step{{Limit: 3}}}
	executor := Executor{Endpoint: "test.endpoint", Policy: Policy{MaxChunks: 50, Weight: WeightPolicy{Static: 1}}}
	result, err := executor.Execute(context.Background(), domain.SeriesMeta{Symbol: "BTCUSDT", Timeframe: domain.M1}, plan, fetch, 2)
	require.NoError(t, err)
	require.Len(t, result.Bars, 2)
	assert.True(t, result.Bars[0].Timestamp.Equal(base))
	assert.True(t, result.Bars[1].Timestamp.Equal(base.Add(time.Minute)))
}

// Multi-page limit-based plans must advance their cursor between steps —
// re-issuing the same query would have every later page's rows dropped as
// duplicates by the dedupe set.
func TestExecutor_LimitBasedPlan_AdvancesStartBetweenSteps(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var seenStarts []string
	fetch := RawFetcher(func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error) {
		seenStarts = append(seenStarts, query["__start"])
		offset := len(seenStarts) - 1
		ts := base.Add(time.Duration(offset) * time.Minute)
		return []domain.Bar{bar(ts)}, false, nil
	})

	startMillis := strconv.FormatInt(base.UnixMilli(), 10)
	plan := Plan{
		Steps: []Step{
			{Limit: 1, Query: map[string]string{"__start": startMillis}},
			{Limit: 1, Query: map[string]string{"__start": startMillis}},
		},
		Hint: Hint{StartField: "__start"},
	}
	executor := Executor{Endpoint: "test.endpoint", Policy: Policy{MaxChunks: 50, Weight: WeightPolicy{Static: 1}}}
	result, err := executor.Execute(context.Background(), domain.SeriesMeta{Symbol: "BTCUSDT", Timeframe: domain.M1}, plan, fetch, 0)
	require.NoError(t, err)
	require.Len(t, result.Bars, 2)
	require.Len(t, seenStarts, 2)
	assert.Equal(t, seenStarts[0], startMillis)
	assert.NotEqual(t, seenStarts[0], seenStarts[1])
}
