package historian

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// InsertRaw batch-appends raw points. The store keys by (series, timestamp)
// so re-sending the same point is harmless at read time; callers retry on
// failure without deduplication bookkeeping.
func (s *Store) InsertRaw(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (time, loop_id, machine_id, fields) VALUES`,
		s.Database, RawTableName)
	batch, err := s.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare raw batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, p := range points {
		if err := batch.Append(p.Time, p.LoopID, p.MachineID, p.Fields); err != nil {
			return fmt.Errorf("append raw point: %w", err)
		}
	}
	return batch.Send()
}

// InsertRollups batch-writes rollup buckets. Overwrite semantics come from
// the ReplacingMergeTree key: a bucket written again with a newer
// materialized_at replaces the previous row.
func (s *Store) InsertRollups(ctx context.Context, buckets []RollupBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (
		bucket_start, interval_seconds, loop_id, machine_id,
		avg_fields, min_fields, max_fields, count_fields, materialized_at
	) VALUES`, s.Database, RollupTableName)
	batch, err := s.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare rollup batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, b := range buckets {
		err := batch.Append(
			b.BucketStart,
			uint32(b.Interval.Seconds()),
			b.LoopID,
			b.MachineID,
			b.Mean,
			b.Min,
			b.Max,
			b.Count,
			b.MaterializedAt,
		)
		if err != nil {
			return fmt.Errorf("append rollup bucket: %w", err)
		}
	}
	return batch.Send()
}
