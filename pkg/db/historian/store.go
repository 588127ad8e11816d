package historian

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/db/clickhouse"
	"github.com/loopscope/historian/pkg/utils"
)

const (
	RawTableName    = "raw_points"
	RollupTableName = "rollup_points"
)

// Store is the historian's series storage: a raw table holding native-
// resolution samples under a short retention window, and a rollup table
// holding precomputed aggregates under a long one. Retention is enforced by
// the store's own TTL; nothing here ever deletes points explicitly.
type Store struct {
	*clickhouse.Client

	// Retention windows, in whole days (TTL granularity of the store).
	RawRetentionDays    int
	RollupRetentionDays int
}

// NewStore connects to ClickHouse and ensures the historian schema exists.
// Defaults follow the deployed schema: 400 days of raw, 5 years of rollups.
func NewStore(ctx context.Context, logger *zap.Logger) (*Store, error) {
	dbName := clickhouse.SanitizeName(utils.Env("HISTORIAN_DB", "historian"))
	client, err := clickhouse.New(ctx, logger, dbName)
	if err != nil {
		return nil, err
	}

	s := &Store{
		Client:              client,
		RawRetentionDays:    utils.EnvInt("RAW_RETENTION_DAYS", 400),
		RollupRetentionDays: utils.EnvInt("ROLLUP_RETENTION_DAYS", 1825),
	}
	if err := s.InitializeDB(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InitializeDB creates the raw and rollup tables if they do not exist.
//
// The raw table is a plain MergeTree ordered by series key and time: the
// collector appends in time order per series, backfill-era seeds may arrive
// out of order, and both are fine because reads are keyed by timestamp.
//
// The rollup table is a ReplacingMergeTree versioned by materialized_at so
// rematerializing a bucket overwrites rather than duplicates; readers use
// FINAL to see the latest version before background merges run.
func (s *Store) InitializeDB(ctx context.Context) error {
	rawQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			time DateTime64(3) CODEC(DoubleDelta, LZ4),
			loop_id LowCardinality(String),
			machine_id LowCardinality(String),
			fields Map(String, Float64) CODEC(ZSTD(1))
		) ENGINE = MergeTree
		PARTITION BY toDate(time)
		ORDER BY (loop_id, machine_id, time)
		TTL toDateTime(time) + toIntervalDay(%d)
	`, s.Database, RawTableName, s.RawRetentionDays)
	if err := s.Exec(ctx, rawQuery); err != nil {
		return fmt.Errorf("create %s: %w", RawTableName, err)
	}

	rollupQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			bucket_start DateTime CODEC(DoubleDelta, LZ4),
			interval_seconds UInt32,
			loop_id LowCardinality(String),
			machine_id LowCardinality(String),
			avg_fields Map(String, Float64) CODEC(ZSTD(1)),
			min_fields Map(String, Float64) CODEC(ZSTD(1)),
			max_fields Map(String, Float64) CODEC(ZSTD(1)),
			count_fields Map(String, UInt64) CODEC(ZSTD(1)),
			materialized_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(materialized_at)
		PARTITION BY toYYYYMM(bucket_start)
		ORDER BY (interval_seconds, loop_id, machine_id, bucket_start)
		TTL bucket_start + toIntervalDay(%d)
	`, s.Database, RollupTableName, s.RollupRetentionDays)
	if err := s.Exec(ctx, rollupQuery); err != nil {
		return fmt.Errorf("create %s: %w", RollupTableName, err)
	}

	return nil
}

// RawRetention returns the raw retention window as a duration.
func (s *Store) RawRetention() time.Duration {
	return time.Duration(s.RawRetentionDays) * 24 * time.Hour
}

// RollupRetention returns the rollup retention window as a duration.
func (s *Store) RollupRetention() time.Duration {
	return time.Duration(s.RollupRetentionDays) * 24 * time.Hour
}
