package chunk

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

// Planner turns a historical DataRequest into a Plan under a given Policy
// and Hint, choosing among the fast-path / time-based / limit-based /
// cursor-based strategies spec.md §4.3 describes.
type Planner struct{}

// Plan produces the call sequence for req. MO1 requests are refused for
// automatic time-based chunking (the resolved Open Question): callers must
// supply an explicit Limit, which routes through the limit-based path
// instead.
func (pl Planner) Plan(req domain.DataRequest, policy Policy) (Plan, Mode, error) {
	policy = policy.withDefaults()

	if req.FromID != "" {
		return pl.planCursorBased(req, policy)
	}

	if req.StartTime != nil && req.Timeframe.IsCalendarMonth() && policy.SupportsAutoChunking {
		if req.Limit <= 0 {
			return Plan{}, "", xerrors.Validation(
				"MO1 requests do not support automatic time-based chunking; supply an explicit limit")
		}
		return planLimitBased(req, policy)
	}

	if req.StartTime != nil && policy.SupportsAutoChunking {
		switch {
		case req.EndTime != nil:
			return planTimeBased(req, policy)
		case req.Limit > 0:
			// No end given, but start+limit fully determines the window:
			// synthesize one so this routes through the same windowed
			// pagination time-based uses rather than the non-advancing
			// limit-based path (spec.md §8 seed scenario 1).
			secs, ok := windowSeconds(req.Timeframe, policy)
			if !ok || secs <= 0 {
				return Plan{}, "", xerrors.InvalidInterval(req.Exchange, req.Timeframe)
			}
			span := time.Duration(req.Limit) * time.Duration(secs) * time.Second
			end := req.StartTime.Add(span)
			windowed := req
			windowed.EndTime = &end
			return planTimeBased(windowed, policy)
		}
	}

	if req.Limit > policy.MaxPoints && policy.SupportsAutoChunking {
		return planLimitBased(req, policy)
	}

	if req.StartTime == nil && policy.RequiresStartTime {
		return Plan{}, "", xerrors.Validation("endpoint requires a start time")
	}

	limit := req.Limit
	if limit <= 0 || limit > policy.MaxPoints {
		limit = policy.MaxPoints
	}
	return Plan{
		Steps: []Step{{Limit: limit, Query: baseQuery(req, limit)}},
	}, ModeFastPath, nil
}

func planTimeBased(req domain.DataRequest, policy Policy) (Plan, Mode, error) {
	secs, ok := windowSeconds(req.Timeframe, policy)
	if !ok || secs <= 0 {
		return Plan{}, "", xerrors.InvalidInterval(req.Exchange, req.Timeframe)
	}
	span := time.Duration(secs) * time.Second
	pageSpan := span * time.Duration(policy.MaxPoints)

	var steps []Step
	cursor := *req.StartTime
	end := *req.EndTime
	for cursor.Before(end) {
		if len(steps) >= policy.MaxChunks {
			break
		}
		pageEnd := cursor.Add(pageSpan)
		if pageEnd.After(end) {
			pageEnd = end
		}
		q := baseQuery(req, policy.MaxPoints)
		q["__start"] = strconv.FormatInt(cursor.UnixMilli(), 10)
		q["__end"] = strconv.FormatInt(pageEnd.UnixMilli(), 10)
		steps = append(steps, Step{Limit: policy.MaxPoints, Query: q})
		cursor = pageEnd
	}
	return Plan{Steps: steps}, ModeTimeBased, nil
}

// planLimitBased splits remaining into MaxPoints-sized pages. Every page
// beyond the first must land on data the earlier pages didn't already
// return, so the plan carries a Hint telling the executor which cursor
// field to advance between steps, and in which direction: forward from
// req.StartTime when one is known (e.g. MO1's explicit-limit path), or
// backward from the oldest bar seen so far when no anchor is given (the
// venue's own "most recent" default only covers the first page).
func planLimitBased(req domain.DataRequest, policy Policy) (Plan, Mode, error) {
	remaining := req.Limit
	if remaining <= 0 {
		remaining = policy.MaxPoints
	}
	var steps []Step
	for remaining > 0 {
		if len(steps) >= policy.MaxChunks {
			break
		}
		page := remaining
		if page > policy.MaxPoints {
			page = policy.MaxPoints
		}
		q := baseQuery(req, page)
		if req.StartTime != nil {
			q["__start"] = strconv.FormatInt(req.StartTime.UnixMilli(), 10)
		}
		steps = append(steps, Step{Limit: page, Query: q})
		remaining -= page
	}

	hint := Hint{EndField: "__end"}
	if req.StartTime != nil {
		hint = Hint{StartField: "__start"}
	}
	return Plan{Steps: steps, Hint: hint}, ModeLimitBased, nil
}

func (Planner) planCursorBased(req domain.DataRequest, policy Policy) (Plan, Mode, error) {
	limit := req.Limit
	if limit <= 0 || limit > policy.MaxPoints {
		limit = policy.MaxPoints
	}
	q := baseQuery(req, limit)
	q["__from_id"] = req.FromID
	return Plan{
		Steps:     []Step{{Limit: limit, Query: q}},
		OpenEnded: true,
	}, ModeCursorBased, nil
}

func baseQuery(req domain.DataRequest, limit int) map[string]string {
	q := req.Param()
	q["__limit"] = fmt.Sprintf("%d", limit)
	return q
}
