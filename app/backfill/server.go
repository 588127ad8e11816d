package backfillapp

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/loopscope/historian/app/backfill/types"
	"github.com/loopscope/historian/pkg/utils"
)

// NewServer attaches the health endpoint.
func NewServer(app *types.App) error {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := app.Store.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "errored", "error": "store connection error"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods("GET")

	addr := utils.Env("ADDR", ":3003")
	app.Server = &http.Server{Addr: addr, Handler: r}
	app.Logger.Info("Starting backfill ops server", zap.String("addr", addr))
	return nil
}
