// Package resolution decides how a range query should be served: straight
// from raw samples, from a precomputed rollup, or by aggregating raw data in
// the store at query time. The decision is a pure function of the request and
// the rollup coverage handed in, so any number of query handlers can call it
// concurrently.
package resolution

import (
	"fmt"
	"sort"
	"time"
)

// Source names the read path a query should take.
type Source int

const (
	// Raw reads native-resolution samples unmodified.
	Raw Source = iota
	// Rollup reads precomputed fixed-interval aggregates.
	Rollup
	// OnTheFlyAggregate groups raw samples into buckets inside the store at
	// query time.
	OnTheFlyAggregate
)

func (s Source) String() string {
	switch s {
	case Raw:
		return "raw"
	case Rollup:
		return "rollup"
	case OnTheFlyAggregate:
		return "aggregate"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Decision is the selector's output. Interval is set for Rollup, Window for
// OnTheFlyAggregate, and neither for Raw.
type Decision struct {
	Source   Source
	Interval time.Duration
	Window   time.Duration
}

func (d Decision) String() string {
	switch d.Source {
	case Rollup:
		return fmt.Sprintf("rollup(%s)", d.Interval)
	case OnTheFlyAggregate:
		return fmt.Sprintf("aggregate(%s)", d.Window)
	default:
		return d.Source.String()
	}
}

// Request carries everything the selector needs. AvailableRollups lists the
// intervals whose precomputed coverage actually spans the requested range;
// the caller checks coverage against the store before asking, keeping the
// selector itself free of I/O.
type Request struct {
	Start            time.Time
	End              time.Time
	PointBudget      int
	RawCadence       time.Duration
	AvailableRollups []time.Duration
}

// Select picks the read path for a range query.
//
// If the range fits the budget at native resolution, raw wins: it is exact
// and the cheapest read for short ranges. Otherwise the smallest bucket width
// w satisfying duration/w <= budget is computed, and the widest available
// rollup no coarser than w is preferred over aggregating raw data at query
// time. With no suitable rollup the store aggregates on the fly, which is
// slower but always correct.
func Select(req Request) (Decision, error) {
	if req.PointBudget <= 0 {
		return Decision{}, fmt.Errorf("point budget must be positive, got %d", req.PointBudget)
	}
	if req.RawCadence <= 0 {
		return Decision{}, fmt.Errorf("raw cadence must be positive, got %s", req.RawCadence)
	}
	duration := req.End.Sub(req.Start)
	if duration <= 0 {
		return Decision{}, fmt.Errorf("range end %s is not after start %s", req.End, req.Start)
	}

	rawPoints := int64(duration / req.RawCadence)
	if rawPoints <= int64(req.PointBudget) {
		return Decision{Source: Raw}, nil
	}

	window := MinimalWindow(duration, req.PointBudget)

	// Prefer the coarsest rollup that still fits inside the window: fewest
	// rows read for the same error bound.
	var best time.Duration
	for _, interval := range req.AvailableRollups {
		if interval <= 0 || interval > window {
			continue
		}
		if interval > best {
			best = interval
		}
	}
	if best > 0 {
		return Decision{Source: Rollup, Interval: best}, nil
	}
	return Decision{Source: OnTheFlyAggregate, Window: window}, nil
}

// MinimalWindow returns the smallest whole-second bucket width w such that
// duration/w does not exceed the budget.
func MinimalWindow(duration time.Duration, budget int) time.Duration {
	seconds := int64(duration.Seconds())
	w := seconds / int64(budget)
	if seconds%int64(budget) != 0 {
		w++
	}
	if w < 1 {
		w = 1
	}
	return time.Duration(w) * time.Second
}

// SortIntervals orders rollup intervals ascending. Callers building
// AvailableRollups from config use it so log output and tests are stable.
func SortIntervals(intervals []time.Duration) {
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
}
