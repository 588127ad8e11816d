package types

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/bus"
	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/collector"
	"github.com/loopscope/historian/pkg/db/historian"
)

// App holds the collector daemon's wiring.
type App struct {
	Logger    *zap.Logger
	Store     *historian.Store
	Catalog   *catalog.Registry
	Bus       *bus.Client
	Collector *collector.Collector
	Server    *http.Server
}

// Start runs the poll loop and the ops HTTP server until ctx is cancelled,
// then drains and closes. SIGHUP reloads the signal catalog in place; the
// next tick picks up the new snapshot.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := a.Catalog.Reload(); err != nil {
					a.Logger.Error("Catalog reload failed, keeping previous snapshot", zap.Error(err))
				} else {
					a.Logger.Info("Catalog reloaded",
						zap.Int("series", len(a.Catalog.Snapshot().Series)))
				}
			}
		}
	}()

	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		_ = a.Collector.Run(ctx)
	}()

	<-ctx.Done()
	<-collectDone

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
	a.Logger.Info("Collector stopped")
}
