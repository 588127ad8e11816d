package historian

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoverage_Covers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	interval := time.Minute

	full := Coverage{Buckets: 1440, MinStart: start, MaxStart: end.Add(-interval)}
	assert.True(t, full.Covers(start, end, interval))

	empty := Coverage{}
	assert.False(t, empty.Covers(start, end, interval))

	startsLate := Coverage{Buckets: 700, MinStart: start.Add(12 * time.Hour), MaxStart: end.Add(-interval)}
	assert.False(t, startsLate.Covers(start, end, interval))

	endsEarly := Coverage{Buckets: 700, MinStart: start, MaxStart: start.Add(12 * time.Hour)}
	assert.False(t, endsEarly.Covers(start, end, interval))

	// One bucket of slack at each edge is tolerated: the trailing bucket is
	// usually still being filled by the collector.
	trailingGap := Coverage{Buckets: 1438, MinStart: start.Add(interval), MaxStart: end.Add(-2 * interval)}
	assert.True(t, trailingGap.Covers(start, end, interval))
}

func TestSeriesKey_String(t *testing.T) {
	key := SeriesKey{LoopID: "TIC-101", MachineID: "MachineA"}
	assert.Equal(t, "TIC-101/MachineA", key.String())
}
