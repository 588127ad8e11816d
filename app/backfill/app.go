// Package backfillapp assembles the rollup backfill daemon. A cron schedule
// drives catch-up passes; each pass recomputes every series' cursor from the
// rollup data itself and materializes whatever is missing.
package backfillapp

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loopscope/historian/app/backfill/types"
	"github.com/loopscope/historian/pkg/backfill"
	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/db/historian"
	"github.com/loopscope/historian/pkg/logging"
	"github.com/loopscope/historian/pkg/utils"
)

// ParseIntervals reads a comma-separated duration list ("1m,1h").
func ParseIntervals(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Initialize wires the backfill daemon from the environment.
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

	intervals, err := ParseIntervals(utils.Env("ROLLUP_INTERVALS", "1m"))
	if err != nil {
		logger.Fatal("Invalid ROLLUP_INTERVALS", zap.Error(err))
	}

	engine, err := backfill.New(logger, store, intervals,
		backfill.WithChunk(utils.EnvDuration("BACKFILL_CHUNK", backfill.DefaultChunk)),
		backfill.WithWorkers(utils.EnvInt("BACKFILL_WORKERS", 4)))
	if err != nil {
		logger.Fatal("Unable to build backfill engine", zap.Error(err))
	}

	app := &types.App{
		Logger:  logger,
		Store:   store,
		Catalog: registry,
		Engine:  engine,
		RunOnce: utils.EnvBool("BACKFILL_ONCE", false),
	}

	// An explicit historical range implies a one-shot run.
	if from, to := utils.Env("BACKFILL_FROM", ""), utils.Env("BACKFILL_TO", ""); from != "" && to != "" {
		app.From, err = time.Parse(time.RFC3339, from)
		if err == nil {
			app.To, err = time.Parse(time.RFC3339, to)
		}
		if err != nil {
			logger.Fatal("BACKFILL_FROM/BACKFILL_TO must be RFC3339", zap.Error(err))
		}
		app.RunOnce = true
	}

	schedule := utils.Env("BACKFILL_SCHEDULE", "@every 5m")
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		if runErr := engine.Run(ctx, app.Series()); runErr != nil {
			logger.Error("Backfill pass failed", zap.Error(runErr))
		}
	})
	if err != nil {
		logger.Fatal("Invalid BACKFILL_SCHEDULE", zap.Error(err))
	}
	app.Cron = c

	logger.Info("Backfill initialized",
		zap.String("schedule", schedule),
		zap.Durations("intervals", intervals),
		zap.Int("series", len(app.Series())))
	return app
}
