package historian

import (
	"time"
)

// SeriesKey identifies one raw or rollup series: a control loop observed on
// one machine.
type SeriesKey struct {
	LoopID    string
	MachineID string
}

func (k SeriesKey) String() string {
	return k.LoopID + "/" + k.MachineID
}

// Point is one raw sample: every role field read for a loop on one tick.
// Fields holds only the roles that were successfully read; a partial read
// yields a partial map, never a dropped point.
type Point struct {
	Time      time.Time
	LoopID    string
	MachineID string
	Fields    map[string]float64
}

// RollupBucket is one materialized aggregate over a fixed-width,
// epoch-aligned bucket of raw points. MaterializedAt is the
// ReplacingMergeTree version column: rematerializing a bucket overwrites the
// previous row at merge/FINAL time.
type RollupBucket struct {
	BucketStart    time.Time
	Interval       time.Duration
	LoopID         string
	MachineID      string
	Mean           map[string]float64
	Min            map[string]float64
	Max            map[string]float64
	Count          map[string]uint64
	MaterializedAt time.Time
}

// AggregatePoint is one bucket of a store-side (on-the-fly) aggregation.
type AggregatePoint struct {
	BucketStart time.Time
	Mean        map[string]float64
}

// Coverage describes what a rollup series actually contains for one
// interval, used by the read path to decide whether a precomputed rollup can
// serve a requested range.
type Coverage struct {
	Buckets  uint64
	MinStart time.Time
	MaxStart time.Time
}

// Covers reports whether the coverage spans the whole requested range,
// allowing one bucket of slack at each edge.
func (c Coverage) Covers(start, end time.Time, interval time.Duration) bool {
	if c.Buckets == 0 {
		return false
	}
	if c.MinStart.After(start.Add(interval)) {
		return false
	}
	if c.MaxStart.Add(interval).Before(end.Add(-interval)) {
		return false
	}
	return true
}
