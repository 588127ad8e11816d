// Package backfill materializes fixed-interval rollup buckets from raw
// history. Materialization is idempotent: bucket boundaries derive from the
// epoch and the interval alone, the reduction over raw points is
// deterministic, and writes overwrite rather than append, so re-running any
// range with unchanged raw data yields identical rollups.
package backfill

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/db/historian"
)

// DefaultChunk bounds how much raw history one materialize call reads.
// Fourteen days at one-second cadence is about 1.2M points per series, which
// stays comfortably inside one batch round-trip.
const DefaultChunk = 14 * 24 * time.Hour

// Store is the slice of the series store the engine needs. *historian.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	QueryRawRange(ctx context.Context, key historian.SeriesKey, start, end time.Time) ([]historian.Point, error)
	InsertRollups(ctx context.Context, buckets []historian.RollupBucket) error
	MaxRollupBucket(ctx context.Context, key historian.SeriesKey, interval time.Duration) (time.Time, bool, error)
	RawBounds(ctx context.Context, key historian.SeriesKey) (first, last time.Time, count uint64, err error)
}

// Engine computes rollups for a set of series at one or more intervals.
type Engine struct {
	log       *zap.Logger
	store     Store
	intervals []time.Duration
	chunk     time.Duration
	workers   int

	// now is swapped out by tests to pin materialized_at versions.
	now func() time.Time
}

// Option tunes an Engine.
type Option func(*Engine)

// WithChunk overrides the per-call raw read window.
func WithChunk(d time.Duration) Option {
	return func(e *Engine) { e.chunk = d }
}

// WithWorkers bounds how many series materialize concurrently during a run.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithClock overrides the version-timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine materializing the given intervals, smallest first.
func New(logger *zap.Logger, store Store, intervals []time.Duration, opts ...Option) (*Engine, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("at least one rollup interval is required")
	}
	sorted := make([]time.Duration, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, interval := range sorted {
		if interval < time.Second || interval%time.Second != 0 {
			return nil, fmt.Errorf("rollup interval must be a whole positive number of seconds, got %s", interval)
		}
	}

	e := &Engine{
		log:       logger,
		store:     store,
		intervals: sorted,
		chunk:     DefaultChunk,
		workers:   4,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.chunk <= 0 {
		return nil, fmt.Errorf("chunk must be positive, got %s", e.chunk)
	}
	return e, nil
}

// Intervals returns the engine's rollup intervals, ascending.
func (e *Engine) Intervals() []time.Duration {
	out := make([]time.Duration, len(e.intervals))
	copy(out, e.intervals)
	return out
}

// AlignDown returns the largest epoch-aligned bucket boundary not after t.
func AlignDown(t time.Time, interval time.Duration) time.Time {
	sec := int64(interval.Seconds())
	unix := t.Unix()
	aligned := unix - ((unix%sec)+sec)%sec
	return time.Unix(aligned, 0).UTC()
}

// AlignUp returns the smallest epoch-aligned bucket boundary not before t.
func AlignUp(t time.Time, interval time.Duration) time.Time {
	down := AlignDown(t, interval)
	if down.Equal(t) && t.Nanosecond() == 0 {
		return down
	}
	return down.Add(interval)
}

// Materialize rolls up one series over [start, end) at the given interval.
// Only buckets fully contained in the range are touched, so overlapping or
// shifted calls never produce boundary-dependent output. Buckets with no raw
// points are skipped. Returns the number of buckets written.
func (e *Engine) Materialize(ctx context.Context, key historian.SeriesKey, interval time.Duration, start, end time.Time) (int, error) {
	if interval < time.Second || interval%time.Second != 0 {
		return 0, fmt.Errorf("rollup interval must be a whole positive number of seconds, got %s", interval)
	}
	first := AlignUp(start, interval)
	last := AlignDown(end, interval)
	if !first.Before(last) {
		return 0, nil
	}

	points, err := e.store.QueryRawRange(ctx, key, first, last)
	if err != nil {
		return 0, fmt.Errorf("read raw range for %s: %w", key, err)
	}
	if len(points) == 0 {
		return 0, nil
	}

	buckets := Reduce(points, interval, e.now().UTC())
	if len(buckets) == 0 {
		return 0, nil
	}
	if err := e.store.InsertRollups(ctx, buckets); err != nil {
		return 0, fmt.Errorf("write rollups for %s: %w", key, err)
	}

	e.log.Debug("Materialized rollup range",
		zap.String("series", key.String()),
		zap.Duration("interval", interval),
		zap.Time("start", first),
		zap.Time("end", last),
		zap.Int("buckets", len(buckets)))
	return len(buckets), nil
}

type accumulator struct {
	sum   map[string]float64
	min   map[string]float64
	max   map[string]float64
	count map[string]uint64
}

// Reduce groups time-ordered raw points into epoch-aligned buckets and
// computes per-field mean, min, max, and count. The input order is the
// store's time order, so the float summation sequence is fixed and the
// output is reproducible.
func Reduce(points []historian.Point, interval time.Duration, materializedAt time.Time) []historian.RollupBucket {
	accs := make(map[time.Time]*accumulator)
	var starts []time.Time

	for _, p := range points {
		bucketStart := AlignDown(p.Time, interval)
		acc, ok := accs[bucketStart]
		if !ok {
			acc = &accumulator{
				sum:   make(map[string]float64),
				min:   make(map[string]float64),
				max:   make(map[string]float64),
				count: make(map[string]uint64),
			}
			accs[bucketStart] = acc
			starts = append(starts, bucketStart)
		}
		for field, value := range p.Fields {
			if acc.count[field] == 0 {
				acc.min[field] = math.Inf(1)
				acc.max[field] = math.Inf(-1)
			}
			acc.sum[field] += value
			acc.count[field]++
			if value < acc.min[field] {
				acc.min[field] = value
			}
			if value > acc.max[field] {
				acc.max[field] = value
			}
		}
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	loopID, machineID := "", ""
	if len(points) > 0 {
		loopID, machineID = points[0].LoopID, points[0].MachineID
	}

	buckets := make([]historian.RollupBucket, 0, len(starts))
	for _, start := range starts {
		acc := accs[start]
		mean := make(map[string]float64, len(acc.sum))
		for field, sum := range acc.sum {
			mean[field] = sum / float64(acc.count[field])
		}
		buckets = append(buckets, historian.RollupBucket{
			BucketStart:    start,
			Interval:       interval,
			LoopID:         loopID,
			MachineID:      machineID,
			Mean:           mean,
			Min:            acc.min,
			Max:            acc.max,
			Count:          acc.count,
			MaterializedAt: materializedAt,
		})
	}
	return buckets
}

// MaterializeRange walks [start, end) in chunk-sized sub-ranges. A failed
// chunk aborts the walk with its error; rollups already written for earlier
// chunks stay in place, each being independently idempotent.
func (e *Engine) MaterializeRange(ctx context.Context, key historian.SeriesKey, interval time.Duration, start, end time.Time) (int, error) {
	total := 0
	for cursor := start; cursor.Before(end); {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		chunkEnd := cursor.Add(e.chunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		n, err := e.Materialize(ctx, key, interval, cursor, chunkEnd)
		total += n
		if err != nil {
			return total, err
		}
		cursor = chunkEnd
	}
	return total, nil
}

// CatchUp materializes everything one series is missing at one interval. The
// resume point is recomputed from the rollup series itself: the bucket after
// the newest materialized one, or the start of raw history when no rollups
// exist. The bucket containing `until` is left alone since it is still
// filling.
func (e *Engine) CatchUp(ctx context.Context, key historian.SeriesKey, interval time.Duration, until time.Time) (int, error) {
	var start time.Time
	latest, ok, err := e.store.MaxRollupBucket(ctx, key, interval)
	if err != nil {
		return 0, fmt.Errorf("recompute cursor for %s: %w", key, err)
	}
	if ok {
		start = latest.Add(interval)
	} else {
		first, _, count, boundsErr := e.store.RawBounds(ctx, key)
		if boundsErr != nil {
			return 0, fmt.Errorf("raw bounds for %s: %w", key, boundsErr)
		}
		if count == 0 {
			return 0, nil
		}
		// The bucket containing the first raw point is complete (nothing
		// precedes it), so start at its boundary rather than skipping it.
		start = AlignDown(first, interval)
	}

	end := AlignDown(until, interval)
	if !start.Before(end) {
		return 0, nil
	}
	return e.MaterializeRange(ctx, key, interval, start, end)
}

// Run catches up every series at every configured interval, fanning out
// across series on a bounded pool. Per-series failures are logged and
// counted rather than cancelling sibling series; the first error observed is
// returned after all series finish.
func (e *Engine) Run(ctx context.Context, series []historian.SeriesKey) error {
	until := e.now().UTC()

	pool := pond.NewPool(e.workers, pond.WithQueueSize(len(series)+1))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	errs := make(chan error, len(series))
	for _, key := range series {
		key := key
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			for _, interval := range e.intervals {
				n, err := e.CatchUp(groupCtx, key, interval, until)
				if err != nil {
					e.log.Warn("Backfill failed for series",
						zap.String("series", key.String()),
						zap.Duration("interval", interval),
						zap.Error(err))
					errs <- err
					return
				}
				if n > 0 {
					e.log.Info("Backfilled series",
						zap.String("series", key.String()),
						zap.Duration("interval", interval),
						zap.Int("buckets", n))
				}
			}
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	close(errs)
	return <-errs
}
