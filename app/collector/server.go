package collectorapp

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/loopscope/historian/app/collector/types"
	"github.com/loopscope/historian/pkg/utils"
)

// NewServer attaches the operational HTTP surface: health, connection
// state, and the tick/loss counters.
func NewServer(app *types.App) error {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := app.Store.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "errored", "error": "store connection error"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"state":  app.Collector.State().String(),
		})
	}).Methods("GET")

	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(app.Collector.Stats())
	}).Methods("GET")

	addr := utils.Env("ADDR", ":3002")
	app.Server = &http.Server{Addr: addr, Handler: r}
	app.Logger.Info("Starting collector ops server", zap.String("addr", addr))
	return nil
}
