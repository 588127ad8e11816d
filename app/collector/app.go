// Package collectorapp assembles the collector daemon: catalog, tag source,
// series store, optional live bus, and the poll loop itself.
package collectorapp

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loopscope/historian/app/collector/types"
	"github.com/loopscope/historian/pkg/bus"
	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/collector"
	"github.com/loopscope/historian/pkg/db/historian"
	"github.com/loopscope/historian/pkg/logging"
	"github.com/loopscope/historian/pkg/source"
	"github.com/loopscope/historian/pkg/utils"
)

// Initialize wires the collector from the environment.
//
// SOURCE_MODE selects the tag source: "http" reads from the gateway at
// SOURCE_ENDPOINTS, "sim" runs the built-in loop simulator (useful for
// development and soak tests without plant access).
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

	var reader source.Reader
	switch mode := utils.Env("SOURCE_MODE", "http"); mode {
	case "sim":
		reader = source.NewSimulator(utils.EnvInt64("SOURCE_SIM_SEED", 1))
		logger.Info("Using simulated tag source")
	case "http":
		endpoints := strings.Split(utils.Env("SOURCE_ENDPOINTS", "http://localhost:4840"), ",")
		reader = source.NewHTTPClient(source.Opts{
			Endpoints: utils.DedupEndpoints(endpoints),
			Timeout:   utils.EnvDuration("SOURCE_TIMEOUT", 5*time.Second),
			RPS:       utils.EnvInt("SOURCE_RPS", 50),
		})
	default:
		logger.Fatal("Unknown SOURCE_MODE", zap.String("mode", mode))
	}

	var opts []collector.Option
	var busClient *bus.Client
	if utils.Env("REDIS_ENABLED", "false") == "true" {
		busClient, err = bus.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Live bus unavailable, dashboards fall back to polling", zap.Error(err))
			busClient = nil
		} else {
			opts = append(opts, collector.WithPublisher(busClient))
		}
	}

	interval := utils.EnvDuration("COLLECT_INTERVAL", time.Second)
	opts = append(opts, collector.WithWorkers(utils.EnvInt("COLLECT_WORKERS", 8)))

	col := collector.New(logger, reader, store, registry, interval, opts...)
	logger.Info("Collector initialized",
		zap.Duration("interval", interval),
		zap.Int("series", len(registry.Snapshot().Series)))

	return &types.App{
		Logger:    logger,
		Store:     store,
		Catalog:   registry,
		Bus:       busClient,
		Collector: col,
	}
}
