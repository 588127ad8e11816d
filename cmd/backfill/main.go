package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	backfillapp "github.com/loopscope/historian/app/backfill"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := backfillapp.Initialize(ctx)

	if err := backfillapp.NewServer(app); err != nil {
		app.Logger.Fatal("Unable to initialize server", zap.Error(err))
	}

	app.Start(ctx)
}
