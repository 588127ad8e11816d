package types

import (
	"context"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/backfill"
	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/db/historian"
)

// App holds the backfill daemon's wiring.
type App struct {
	Logger  *zap.Logger
	Store   *historian.Store
	Catalog *catalog.Registry
	Engine  *backfill.Engine
	Cron    *cron.Cron
	Server  *http.Server

	// RunOnce makes Start perform a single catch-up pass and exit instead
	// of staying resident, for operator-driven historical backfills.
	RunOnce bool
	// From/To, when both set, narrow the one-shot pass to an explicit
	// historical range instead of a cursor-driven catch-up.
	From, To time.Time
}

// Series lists every series in the current catalog snapshot.
func (a *App) Series() []historian.SeriesKey {
	snap := a.Catalog.Snapshot()
	keys := make([]historian.SeriesKey, 0, len(snap.Series))
	for _, s := range snap.Series {
		keys = append(keys, historian.SeriesKey{LoopID: s.LoopID, MachineID: s.MachineID})
	}
	return keys
}

// Start runs the scheduled catch-up until ctx is cancelled. In RunOnce mode
// it performs one pass and returns.
func (a *App) Start(ctx context.Context) {
	if a.RunOnce {
		if !a.From.IsZero() && !a.To.IsZero() {
			a.materializeRange(ctx)
		} else if err := a.Engine.Run(ctx, a.Series()); err != nil {
			a.Logger.Error("Backfill pass failed", zap.Error(err))
		}
		a.close()
		return
	}

	go func() { _ = a.Server.ListenAndServe() }()
	a.Cron.Start()

	<-ctx.Done()

	stopCtx := a.Cron.Stop() // waits for a running pass
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		a.Logger.Warn("Abandoning in-flight backfill pass on shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.close()
}

// materializeRange rebuilds rollups for the explicit [From, To) range across
// every series and interval. Safe to re-run: each bucket write overwrites.
func (a *App) materializeRange(ctx context.Context) {
	for _, key := range a.Series() {
		for _, interval := range a.Engine.Intervals() {
			n, err := a.Engine.MaterializeRange(ctx, key, interval, a.From, a.To)
			if err != nil {
				a.Logger.Error("Historical backfill failed",
					zap.String("series", key.String()),
					zap.Duration("interval", interval),
					zap.Error(err))
				continue
			}
			a.Logger.Info("Historical backfill done",
				zap.String("series", key.String()),
				zap.Duration("interval", interval),
				zap.Int("buckets", n))
		}
	}
}

func (a *App) close() {
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close store connection", zap.Error(err))
	}
	a.Logger.Info("Backfill stopped")
}
