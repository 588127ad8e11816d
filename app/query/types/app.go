package types

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/bus"
	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/db/historian"
)

// App holds the query API's wiring.
type App struct {
	Logger  *zap.Logger
	Store   *historian.Store
	Catalog *catalog.Registry
	Bus     *bus.Client
	Server  *http.Server

	// RawCadence is the collector's poll interval, needed by the resolution
	// policy to estimate raw point counts.
	RawCadence time.Duration
	// RollupIntervals lists the intervals the backfill daemon materializes.
	RollupIntervals []time.Duration
	// DefaultBudget caps response point counts when the client names none.
	DefaultBudget int
}

// Start serves until ctx is cancelled, then shuts down.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Logger.Error("Failed to close bus connection", zap.Error(err))
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close store connection", zap.Error(err))
	}
	a.Logger.Info("Query API stopped")
}
