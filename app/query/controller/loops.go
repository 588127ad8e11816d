package controller

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// LoopInfo is one catalog loop as the API reports it.
type LoopInfo struct {
	LoopID   string              `json:"loop_id"`
	Machines map[string][]string `json:"machines"` // machine -> roles
}

// HandleLoops lists the loops and machines in the active catalog snapshot.
func (c *Controller) HandleLoops(w http.ResponseWriter, _ *http.Request) {
	snap := c.App.Catalog.Snapshot()

	byLoop := make(map[string]*LoopInfo)
	var order []string
	for _, s := range snap.Series {
		info, ok := byLoop[s.LoopID]
		if !ok {
			info = &LoopInfo{LoopID: s.LoopID, Machines: make(map[string][]string)}
			byLoop[s.LoopID] = info
			order = append(order, s.LoopID)
		}
		info.Machines[s.MachineID] = s.Roles()
	}

	out := make([]*LoopInfo, 0, len(order))
	for _, id := range order {
		out = append(out, byLoop[id])
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleLastValues returns the most recent stored point per machine for one
// loop.
func (c *Controller) HandleLastValues(w http.ResponseWriter, r *http.Request) {
	loopID := mux.Vars(r)["loop"]

	latest, err := c.App.Store.LastValues(r.Context(), loopID)
	if err != nil {
		c.App.Logger.Error("Last-value query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store query failed")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}
