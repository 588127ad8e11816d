package query

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/loopscope/historian/app/query/controller"
	"github.com/loopscope/historian/app/query/types"
	"github.com/loopscope/historian/pkg/utils"
)

// NewServer builds the router and binds the HTTP server.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router := ctler.NewRouter()

	addr := utils.Env("ADDR", ":3001")
	app.Server = &http.Server{Addr: addr, Handler: controller.WithCORS(router)}
	app.Logger.Info("Starting query server", zap.String("addr", addr))
	return nil
}
