// Package query assembles the read API: range queries with automatic
// resolution selection, last-value lookups, and a websocket tail fed by the
// live bus.
package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	backfillapp "github.com/loopscope/historian/app/backfill"
	"github.com/loopscope/historian/app/query/types"
	"github.com/loopscope/historian/pkg/bus"
	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/db/historian"
	"github.com/loopscope/historian/pkg/logging"
	"github.com/loopscope/historian/pkg/resolution"
	"github.com/loopscope/historian/pkg/utils"
)

// Initialize wires the query API from the environment.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	store, err := historian.NewStore(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to series store", zap.Error(err))
	}

	registry, err := catalog.NewRegistry(utils.Env("CATALOG_PATH", "catalog.yaml"), logger)
	if err != nil {
		logger.Fatal("Unable to load signal catalog", zap.Error(err))
	}

	intervals, err := backfillapp.ParseIntervals(utils.Env("ROLLUP_INTERVALS", "1m"))
	if err != nil {
		logger.Fatal("Invalid ROLLUP_INTERVALS", zap.Error(err))
	}
	resolution.SortIntervals(intervals)

	var busClient *bus.Client
	if utils.Env("REDIS_ENABLED", "false") == "true" {
		busClient, err = bus.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Live bus unavailable, websocket tail disabled", zap.Error(err))
			busClient = nil
		}
	}

	return &types.App{
		Logger:          logger,
		Store:           store,
		Catalog:         registry,
		Bus:             busClient,
		RawCadence:      utils.EnvDuration("COLLECT_INTERVAL", time.Second),
		RollupIntervals: intervals,
		DefaultBudget:   utils.EnvInt("POINT_BUDGET", 2000),
	}
}
