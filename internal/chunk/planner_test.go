package chunk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketdata/internal/domain"
	"github.com/sawpanic/marketdata/internal/xerrors"
)

func TestPlanner_FastPath(t *testing.T) {
	req := domain.DataRequest{Symbol: "BTCUSDT", Timeframe: domain.M1, Limit: 500}
	plan, mode, err := (Planner{}).Plan(req, Policy{MaxPoints: 1000, MaxChunks: 50, SupportsAutoChunking: true})
	require.NoError(t, err)
	assert.Equal(t, ModeFastPath, mode)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, 500, plan.Steps[0].Limit)
	assert.False(t, plan.OpenEnded)
}

func TestPlanner_LimitBased_SplitsAcrossMaxPoints(t *testing.T) {
	req := domain.DataRequest{Symbol: "BTCUSDT", Timeframe: domain.M1, Limit: 2500}
	policy := Policy{MaxPoints: 1000, MaxChunks: 50, SupportsAutoChunking: true}
	plan, mode, err := (Planner{}).Plan(req, policy)
	require.NoError(t, err)
	assert.Equal(t, ModeLimitBased, mode)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, 1000, plan.Steps[0].Limit)
	assert.Equal(t, 1000, plan.Steps[1].Limit)
	assert.Equal(t, 500, plan.Steps[2].Limit)
}

func TestPlanner_TimeBased_WindowsBetweenStartAndEnd(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2000 * time.Hour)
	req := domain.DataRequest{Symbol: "BTCUSDT", Timeframe: domain.H1, StartTime: &start, EndTime: &end}
	policy := Policy{MaxPoints: 1000, MaxChunks: 50, SupportsAutoChunking: true}
	plan, mode, err := (Planner{}).Plan(req, policy)
	require.NoError(t, err)
	assert.Equal(t, ModeTimeBased, mode)
	assert.Greater(t, len(plan.Steps), 1)
	for _, step := range plan.Steps {
		assert.Contains(t, step.Query, "__start")
		assert.Contains(t, step.Query, "__end")
	}
}

func TestPlanner_CursorBased_UsesFromID(t *testing.T) {
	req := domain.DataRequest{Symbol: "BTCUSDT", FromID: "1000", Limit: 500}
	plan, mode, err := (Planner{}).Plan(req, Policy{MaxPoints: 1000, MaxChunks: 50, SupportsAutoChunking: true})
	require.NoError(t, err)
	assert.Equal(t, ModeCursorBased, mode)
	assert.True(t, plan.OpenEnded)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "1000", plan.Steps[0].Query["__from_id"])
}

// MO1 requests must refuse automatic time-based chunking and require an
// explicit Limit, routing through the limit-based path instead.
func TestPlanner_MO1_RefusesAutoChunkingWithoutLimit(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(365 * 24 * time.Hour)
	req := domain.DataRequest{Symbol: "BTCUSDT", Timeframe: domain.MO1, StartTime: &start, EndTime: &end}
	_, _, err := (Planner{}).Plan(req, Policy{MaxPoints: 1000, MaxChunks: 50, SupportsAutoChunking: true})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindValidation))
}

func TestPlanner_MO1_WithExplicitLimitUsesLimitBasedPath(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	req := domain.DataRequest{Symbol: "BTCUSDT", Timeframe: domain.MO1, StartTime: &start, Limit: 24}
	plan, mode, err := (Planner{}).Plan(req, Policy{MaxPoints: 1000, MaxChunks: 50, SupportsAutoChunking: true})
	require.NoError(t, err)
	assert.Equal(t, ModeLimitBased, mode)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, 24, plan.Steps[0].Limit)
}

func TestPlanner_RequiresStartTime(t *testing.T) {
	req := domain.DataRequest{Symbol: "BTCUSDT", Timeframe: domain.M1}
	_, _, err := (Planner{}).Plan(req, Policy{MaxPoints: 1000, MaxChunks: 50, RequiresStartTime: true})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindValidation))
}
