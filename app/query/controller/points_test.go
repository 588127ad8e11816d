package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopscope/historian/pkg/resolution"
)

func countingCoverage(calls *int, available ...time.Duration) func() []time.Duration {
	return func() []time.Duration {
		*calls++
		return available
	}
}

func TestDecideWith_ShortRangeSkipsCoverageChecks(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0

	decision, err := decideWith(start, start.Add(time.Hour), 100_000, time.Second, "", countingCoverage(&calls, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, resolution.Raw, decision.Source)
	assert.Zero(t, calls, "a raw-resolvable range must not query the store for coverage")
}

func TestDecideWith_LongRangeChecksCoverageOnce(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0

	decision, err := decideWith(start, start.AddDate(1, 0, 0), 100_000, time.Second, "", countingCoverage(&calls, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, resolution.Rollup, decision.Source)
	assert.Equal(t, time.Minute, decision.Interval)
	assert.Equal(t, 1, calls)
}

func TestDecideWith_RawOverrideSkipsCoverageChecks(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0

	decision, err := decideWith(start, start.AddDate(1, 0, 0), 1000, time.Second, "raw", countingCoverage(&calls, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, resolution.Raw, decision.Source)
	assert.Zero(t, calls)
}

func TestDecideWith_RollupOverridePicksFinestCovered(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0

	decision, err := decideWith(start, start.Add(24*time.Hour), 1000, time.Second, "rollup", countingCoverage(&calls, time.Minute, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, resolution.Rollup, decision.Source)
	assert.Equal(t, time.Minute, decision.Interval)
	assert.Equal(t, 1, calls)
}

func TestDecideWith_RollupOverrideFallsBackToAggregate(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0

	decision, err := decideWith(start, start.Add(24*time.Hour), 1000, time.Second, "rollup", countingCoverage(&calls))
	require.NoError(t, err)
	assert.Equal(t, resolution.OnTheFlyAggregate, decision.Source)
	assert.Equal(t, resolution.MinimalWindow(24*time.Hour, 1000), decision.Window)
	assert.Equal(t, 1, calls)
}

func TestDecideWith_UnknownMethod(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := decideWith(start, start.Add(time.Hour), 1000, time.Second, "downsampled", func() []time.Duration { return nil })
	assert.Error(t, err)
}
