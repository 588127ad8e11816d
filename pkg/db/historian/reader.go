package historian

import (
	"context"
	"fmt"
	"time"
)

// QueryRawRange returns the raw points of one series in [start, end), oldest
// first. The primary key (loop_id, machine_id, time) makes this a range scan.
func (s *Store) QueryRawRange(ctx context.Context, key SeriesKey, start, end time.Time) ([]Point, error) {
	query := fmt.Sprintf(`
		SELECT time, loop_id, machine_id, fields
		FROM "%s"."%s"
		WHERE loop_id = ? AND machine_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC
	`, s.Database, RawTableName)

	rows, err := s.Query(ctx, query, key.LoopID, key.MachineID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query raw range: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Time, &p.LoopID, &p.MachineID, &p.Fields); err != nil {
			return nil, fmt.Errorf("scan raw point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// QueryRawAggregate buckets one series' raw points into fixed windows inside
// the store and returns the per-window field means, oldest first. Window
// starts come from toStartOfInterval, so they line up with the epoch the same
// way materialized rollups do.
func (s *Store) QueryRawAggregate(ctx context.Context, key SeriesKey, start, end time.Time, window time.Duration) ([]AggregatePoint, error) {
	seconds := int64(window.Seconds())
	if seconds <= 0 {
		return nil, fmt.Errorf("aggregate window must be at least one second, got %s", window)
	}

	query := fmt.Sprintf(`
		SELECT
			toStartOfInterval(time, INTERVAL %d SECOND) AS bucket_start,
			avgMap(fields) AS mean_fields
		FROM "%s"."%s"
		WHERE loop_id = ? AND machine_id = ? AND time >= ? AND time < ?
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
	`, seconds, s.Database, RawTableName)

	rows, err := s.Query(ctx, query, key.LoopID, key.MachineID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query raw aggregate: %w", err)
	}
	defer rows.Close()

	var buckets []AggregatePoint
	for rows.Next() {
		var b AggregatePoint
		if err := rows.Scan(&b.BucketStart, &b.Mean); err != nil {
			return nil, fmt.Errorf("scan aggregate bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// QueryRollupRange returns the materialized buckets of one series at the
// given interval whose bucket_start falls in [start, end), oldest first.
// FINAL collapses superseded versions so a rematerialized bucket reads back
// as its newest write.
func (s *Store) QueryRollupRange(ctx context.Context, key SeriesKey, interval time.Duration, start, end time.Time) ([]RollupBucket, error) {
	query := fmt.Sprintf(`
		SELECT bucket_start, interval_seconds, loop_id, machine_id,
		       avg_fields, min_fields, max_fields, count_fields, materialized_at
		FROM "%s"."%s" FINAL
		WHERE interval_seconds = ? AND loop_id = ? AND machine_id = ?
		  AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC
	`, s.Database, RollupTableName)

	rows, err := s.Query(ctx, query, uint32(interval.Seconds()), key.LoopID, key.MachineID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query rollup range: %w", err)
	}
	defer rows.Close()

	var buckets []RollupBucket
	for rows.Next() {
		var b RollupBucket
		var seconds uint32
		err := rows.Scan(&b.BucketStart, &seconds, &b.LoopID, &b.MachineID,
			&b.Mean, &b.Min, &b.Max, &b.Count, &b.MaterializedAt)
		if err != nil {
			return nil, fmt.Errorf("scan rollup bucket: %w", err)
		}
		b.Interval = time.Duration(seconds) * time.Second
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// MaxRollupBucket returns the newest bucket_start materialized for one series
// at the given interval, or ok=false when the series has no rollups yet. The
// backfill engine derives its resume cursor from this instead of trusting a
// stored cursor that could drift from the data.
func (s *Store) MaxRollupBucket(ctx context.Context, key SeriesKey, interval time.Duration) (time.Time, bool, error) {
	query := fmt.Sprintf(`
		SELECT count() AS n, max(bucket_start) AS latest
		FROM "%s"."%s"
		WHERE interval_seconds = ? AND loop_id = ? AND machine_id = ?
	`, s.Database, RollupTableName)

	var n uint64
	var latest time.Time
	row := s.QueryRow(ctx, query, uint32(interval.Seconds()), key.LoopID, key.MachineID)
	if err := row.Scan(&n, &latest); err != nil {
		return time.Time{}, false, fmt.Errorf("query max rollup bucket: %w", err)
	}
	if n == 0 {
		return time.Time{}, false, nil
	}
	return latest, true, nil
}

// RollupCoverage summarizes what the rollup table holds for one series and
// interval inside [start, end). The read path feeds this to the resolution
// selector; sparse or absent rollups push the query down to raw data.
func (s *Store) RollupCoverage(ctx context.Context, key SeriesKey, interval time.Duration, start, end time.Time) (Coverage, error) {
	query := fmt.Sprintf(`
		SELECT count() AS buckets, min(bucket_start) AS first, max(bucket_start) AS last
		FROM "%s"."%s" FINAL
		WHERE interval_seconds = ? AND loop_id = ? AND machine_id = ?
		  AND bucket_start >= ? AND bucket_start < ?
	`, s.Database, RollupTableName)

	var cov Coverage
	row := s.QueryRow(ctx, query, uint32(interval.Seconds()), key.LoopID, key.MachineID, start, end)
	if err := row.Scan(&cov.Buckets, &cov.MinStart, &cov.MaxStart); err != nil {
		return Coverage{}, fmt.Errorf("query rollup coverage: %w", err)
	}
	return cov, nil
}

// RawBounds returns the earliest and latest raw timestamps stored for one
// series plus the point count. Backfill uses the bounds to clamp a requested
// range to data that actually exists.
func (s *Store) RawBounds(ctx context.Context, key SeriesKey) (first, last time.Time, count uint64, err error) {
	query := fmt.Sprintf(`
		SELECT count() AS n, min(time) AS first, max(time) AS last
		FROM "%s"."%s"
		WHERE loop_id = ? AND machine_id = ?
	`, s.Database, RawTableName)

	row := s.QueryRow(ctx, query, key.LoopID, key.MachineID)
	if err = row.Scan(&count, &first, &last); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("query raw bounds: %w", err)
	}
	if count == 0 {
		return time.Time{}, time.Time{}, 0, nil
	}
	return first, last, count, nil
}

// LastValues returns the most recent raw point per machine for one loop,
// keyed by machine id. argMax picks the fields of the newest sample without
// a per-machine sort.
func (s *Store) LastValues(ctx context.Context, loopID string) (map[string]Point, error) {
	query := fmt.Sprintf(`
		SELECT machine_id, max(time) AS latest, argMax(fields, time) AS fields
		FROM "%s"."%s"
		WHERE loop_id = ?
		GROUP BY machine_id
	`, s.Database, RawTableName)

	rows, err := s.Query(ctx, query, loopID)
	if err != nil {
		return nil, fmt.Errorf("query last values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Point)
	for rows.Next() {
		p := Point{LoopID: loopID}
		if err := rows.Scan(&p.MachineID, &p.Time, &p.Fields); err != nil {
			return nil, fmt.Errorf("scan last value: %w", err)
		}
		out[p.MachineID] = p
	}
	return out, rows.Err()
}
