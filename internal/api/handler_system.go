package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exit1dev/monitor/internal/buildinfo"
	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/store"
)

// HandleHealthz returns the liveness handler. It round-trips the store so
// a wedged database turns the worker unhealthy.
func HandleHealthz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.GetRegionLock("healthz-probe"); err != nil && err != store.ErrNotFound {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "store unavailable",
			})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// HandleMetrics returns the Prometheus scrape handler over the worker's
// registry.
func HandleMetrics(m *metrics.Metrics) http.Handler {
	return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
}
