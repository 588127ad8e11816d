package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/db/historian"
	"github.com/loopscope/historian/pkg/resolution"
)

// PointsResponse is the range-query payload. Resolution tells the client
// which path served it; Window/Interval qualify aggregated responses.
type PointsResponse struct {
	LoopID     string `json:"loop_id"`
	MachineID  string `json:"machine_id"`
	Resolution string `json:"resolution"`
	Interval   int64  `json:"interval_seconds,omitempty"`

	Raw     []historian.Point          `json:"raw,omitempty"`
	Buckets []historian.AggregatePoint `json:"buckets,omitempty"`
	Rollups []historian.RollupBucket   `json:"rollups,omitempty"`
}

// HandlePoints serves one series over a time range at an automatically
// selected resolution. Query parameters:
//
//	start, end  RFC3339, required
//	budget      max points returned, default from POINT_BUDGET
//	method      optional override: raw | rollup | aggregate
func (c *Controller) HandlePoints(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := historian.SeriesKey{LoopID: vars["loop"], MachineID: vars["machine"]}

	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC3339")
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	budget := c.App.DefaultBudget
	if raw := q.Get("budget"); raw != "" {
		budget, err = strconv.Atoi(raw)
		if err != nil || budget <= 0 {
			writeError(w, http.StatusBadRequest, "budget must be a positive integer")
			return
		}
	}

	decision, err := c.decide(r, key, start, end, budget, q.Get("method"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := PointsResponse{LoopID: key.LoopID, MachineID: key.MachineID, Resolution: decision.Source.String()}
	ctx := r.Context()

	switch decision.Source {
	case resolution.Raw:
		resp.Raw, err = c.App.Store.QueryRawRange(ctx, key, start, end)
	case resolution.Rollup:
		resp.Interval = int64(decision.Interval / time.Second)
		resp.Rollups, err = c.App.Store.QueryRollupRange(ctx, key, decision.Interval, start, end)
	case resolution.OnTheFlyAggregate:
		resp.Interval = int64(decision.Window / time.Second)
		resp.Buckets, err = c.App.Store.QueryRawAggregate(ctx, key, start, end, decision.Window)
	}
	if err != nil {
		c.App.Logger.Error("Range query failed",
			zap.String("series", key.String()),
			zap.String("resolution", decision.String()),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decide runs the resolution policy, honoring a manual method override.
// Store access is confined to the coverage closure so the policy itself
// stays pure.
func (c *Controller) decide(r *http.Request, key historian.SeriesKey, start, end time.Time, budget int, method string) (resolution.Decision, error) {
	coverage := func() []time.Duration {
		var available []time.Duration
		for _, interval := range c.App.RollupIntervals {
			cov, err := c.App.Store.RollupCoverage(r.Context(), key, interval, start, end.Add(interval))
			if err != nil {
				c.App.Logger.Warn("Coverage check failed, treating rollup as absent",
					zap.String("series", key.String()),
					zap.Duration("interval", interval),
					zap.Error(err))
				continue
			}
			if cov.Covers(start, end, interval) {
				available = append(available, interval)
			}
		}
		return available
	}
	return decideWith(start, end, budget, c.App.RawCadence, method, coverage)
}

// decideWith applies the method override on top of the automatic policy.
// coverage resolves which rollup intervals actually cover the range; it is
// invoked only when the decision can name a rollup, so a short range that
// fits the budget raw costs no store round-trips.
func decideWith(start, end time.Time, budget int, cadence time.Duration, method string, coverage func() []time.Duration) (resolution.Decision, error) {
	switch method {
	case "":
		if cadence > 0 && budget > 0 {
			if rawPoints := int64(end.Sub(start) / cadence); rawPoints <= int64(budget) {
				return resolution.Decision{Source: resolution.Raw}, nil
			}
		}
		return resolution.Select(resolution.Request{
			Start:            start,
			End:              end,
			PointBudget:      budget,
			RawCadence:       cadence,
			AvailableRollups: coverage(),
		})
	case "raw":
		return resolution.Decision{Source: resolution.Raw}, nil
	case "rollup":
		// Honor the override with the finest covered rollup; fall back to
		// on-the-fly aggregation when nothing is materialized.
		if available := coverage(); len(available) > 0 {
			return resolution.Decision{Source: resolution.Rollup, Interval: available[0]}, nil
		}
		fallthrough
	case "aggregate":
		return resolution.Decision{
			Source: resolution.OnTheFlyAggregate,
			Window: resolution.MinimalWindow(end.Sub(start), budget),
		}, nil
	default:
		return resolution.Decision{}, &methodError{method}
	}
}

type methodError struct{ method string }

func (e *methodError) Error() string {
	return "unknown method " + strconv.Quote(e.method) + ", want raw, rollup or aggregate"
}
