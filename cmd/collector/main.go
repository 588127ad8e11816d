package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	collectorapp "github.com/loopscope/historian/app/collector"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := collectorapp.Initialize(ctx)

	if err := collectorapp.NewServer(app); err != nil {
		app.Logger.Fatal("Unable to initialize server", zap.Error(err))
	}

	app.Start(ctx)
}
