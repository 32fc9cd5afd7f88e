package chunk

import (
	"context"
	"strconv"
	"time"

	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/rest"
	"github.com/sawpanic/marketdata/internal/telemetry"
)

// RawFetcher performs one bounded call and returns the rows it decoded to
// (for dedupe) and whether the page was full, i.e. whether more rows may
// follow.
type RawFetcher func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error)

// Executor drives a Plan to completion: issuing each Step, deduping by
// timestamp, aggregating into a single OHLCV series, tracking weight spent,
// and emitting the chunk_completed / chunk_error / chunk_execution_complete
// telemetry events spec.md §4.3 names.
type Executor struct {
	Endpoint string
	Policy   Policy
	Tel      *telemetry.Registry
}

// Execute runs plan to completion using fetch for each step, then truncates
// the aggregated, sorted result to limit when limit is positive (spec.md §8's
// universal invariant: len(result.bars) <= limit, ties broken by truncation
// at the end). For OpenEnded plans (cursor-based mode) it keeps issuing
// follow-up steps, advancing the cursor from the bars seen so far, until a
// page returns no new rows or MaxChunks is reached. Multi-step plans that
// aren't OpenEnded (limit-based mode split across several pre-sized pages)
// get the same cursor advancement applied between steps, via plan.Hint, so
// page 2 onward requests data page 1 didn't already cover instead of
// silently re-fetching it.
func (e Executor) Execute(ctx context.Context, meta domain.SeriesMeta, plan Plan, fetch RawFetcher, limit int) (domain.OHLCV, error) {
	seen := make(map[int64]struct{})
	var bars []domain.Bar
	var totalWeight float64
	chunksRun := 0

	var minBar, maxBar domain.Bar
	haveBar := false

	runStep := func(step Step) (bool, error) {
		start := time.Now()
		rows, hasMore, err := fetch(ctx, step.Query)
		latency := time.Since(start)
		weight := e.Policy.Weight.Weight(step.Limit)
		totalWeight += weight

		if err != nil {
			if e.Tel != nil {
				e.Tel.ObserveChunkError(e.Endpoint)
			}
			return false, err
		}

		added := 0
		for _, bar := range rows {
			key := bar.Timestamp.UnixNano()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			bars = append(bars, bar)
			added++
			if !haveBar || bar.Timestamp.Before(minBar.Timestamp) {
				minBar = bar
			}
			if !haveBar || bar.Timestamp.After(maxBar.Timestamp) {
				maxBar = bar
			}
			haveBar = true
		}

		if e.Tel != nil {
			e.Tel.ObserveChunkCompleted(e.Endpoint, added, weight, latency)
		}
		chunksRun++
		return hasMore && added > 0, nil
	}

	if !plan.OpenEnded {
		for i, step := range plan.Steps {
			if i > 0 && haveBar {
				step.Query = advanceQuery(step.Query, plan.Hint, minBar, maxBar)
			}
			if _, err := runStep(step); err != nil {
				return domain.OHLCV{}, err
			}
		}
	} else {
		step := plan.Steps[0]
		for chunksRun < e.Policy.MaxChunks {
			more, err := runStep(step)
			if err != nil {
				return domain.OHLCV{}, err
			}
			if !more || len(bars) == 0 {
				break
			}
			step = Step{
				Limit: step.Limit,
				Query: advanceQuery(step.Query, plan.Hint, minBar, maxBar),
			}
		}
	}

	if e.Tel != nil {
		e.Tel.ObserveChunkExecutionComplete(e.Endpoint)
	}

	sortBars(bars)

	if limit > 0 && len(bars) > limit {
		bars = bars[:limit]
	}

	return domain.OHLCV{Meta: meta, Bars: bars}, nil
}

// advanceQuery rewrites prev's cursor field(s) so the next step requests
// data beyond what minBar/maxBar already cover. hint.StartField advances
// forward from the newest bar seen (a known start anchor, e.g. MO1's
// explicit-limit path); hint.EndField advances backward from the oldest bar
// seen (no start anchor — the venue's unbounded default only covers the
// newest page); hint.CursorField is set to the newest bar's timestamp in
// RFC3339Nano form.
func advanceQuery(prev map[string]string, hint Hint, minBar, maxBar domain.Bar) map[string]string {
	next := make(map[string]string, len(prev))
	for k, v := range prev {
		next[k] = v
	}
	if hint.CursorField != "" {
		next[hint.CursorField] = maxBar.Timestamp.Format(time.RFC3339Nano)
	}
	if hint.StartField != "" {
		next[hint.StartField] = strconv.FormatInt(maxBar.Timestamp.Add(time.Millisecond).UnixMilli(), 10)
	}
	if hint.EndField != "" {
		next[hint.EndField] = strconv.FormatInt(minBar.Timestamp.Add(-time.Millisecond).UnixMilli(), 10)
	}
	return next
}

func sortBars(bars []domain.Bar) {
	for i := 1; i < len(bars); i++ {
		for j := i; j > 0 && bars[j].Timestamp.Before(bars[j-1].Timestamp); j-- {
			bars[j], bars[j-1] = bars[j-1], bars[j]
		}
	}
}

// RESTFetcher adapts a rest.Runner + rest.EndpointSpec into a RawFetcher.
// Each step's query carries the planner's window/cursor/limit choices
// under the reserved keys "__start", "__end", "__limit", "__from_id";
// RESTFetcher places those into the request's ExtraParams, where a venue's
// Build callback checks for the keys it supports before falling back to
// the request's own fields (the single-chunk fast path). No venue's Build
// callback reads "__from_id", Kraken's reads only "__start", and
// Coinbase's and Hyperliquid's do not read "__limit". This keeps one Build callback correct for both a bare Fetch call
// and a chunk.Executor-driven multi-step pagination.
func RESTFetcher(runner *rest.Runner, spec rest.EndpointSpec, req domain.DataRequest, decode func([]byte) ([]domain.Bar, error)) RawFetcher {
	return func(ctx context.Context, query map[string]string) ([]domain.Bar, bool, error) {
		merged := req
		merged.ExtraParams = make(map[string]string, len(req.ExtraParams)+len(query))
		for k, v := range req.ExtraParams {
			merged.ExtraParams[k] = v
		}
		for k, v := range query {
			merged.ExtraParams[k] = v
		}

		limit := merged.Limit
		if raw, ok := merged.ExtraParams["__limit"]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}

		body, err := runner.ExecuteRaw(ctx, spec, merged)
		if err != nil {
			return nil, false, err
		}
		bars, err := decode(body)
		if err != nil {
			return nil, false, err
		}
		hasMore := len(bars) >= limit && limit > 0
		return bars, hasMore, nil
	}
}
