package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

// HandleListChecks returns a handler for GET /api/v1/checks.
func HandleListChecks(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := requireQuery(r, "user_id")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		checks, err := st.ListChecks(userID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteList(w, http.StatusOK, checks)
	}
}

// HandleCreateCheck returns a handler for POST /api/v1/checks.
func HandleCreateCheck(st *store.Store, defaultRegion string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if _, err := validateCheckRequest(&req, defaultRegion); err != nil {
			writeConfigInvalid(w, err.Error())
			return
		}

		now := time.Now().UnixNano()
		c := &model.Check{
			ID:          uuid.NewString(),
			Status:      model.StatusUnknown,
			NextDueNs:   now, // due on the next tick
			CreatedAtNs: now,
			UpdatedAtNs: now,
		}
		applyCheckRequest(c, &req)

		if err := st.UpsertCheck(c); err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, c)
	}
}

// HandleGetCheck returns a handler for GET /api/v1/checks/{id}.
func HandleGetCheck(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := st.GetCheck(PathParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

// HandleUpdateCheck returns a handler for PUT /api/v1/checks/{id}. The
// configuration is replaced wholesale; runtime state carries over.
func HandleUpdateCheck(st *store.Store, defaultRegion string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := st.GetCheck(PathParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}

		var req checkRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if _, err := validateCheckRequest(&req, defaultRegion); err != nil {
			writeConfigInvalid(w, err.Error())
			return
		}

		prevInterval := c.IntervalSeconds
		applyCheckRequest(c, &req)
		c.UpdatedAtNs = time.Now().UnixNano()
		if c.IntervalSeconds != prevInterval {
			// Reschedule under the new cadence instead of honoring a due
			// time computed from the old one.
			c.NextDueNs = time.Now().UnixNano()
		}

		if err := st.UpsertCheck(c); err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

// HandleDeleteCheck returns a handler for DELETE /api/v1/checks/{id}.
// History and rollups are purged with the check.
func HandleDeleteCheck(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := PathParam(r, "id")
		if _, err := st.GetCheck(id); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := st.DeleteCheck(id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleToggleCheck returns a handler for POST
// /api/v1/checks/{id}/actions/toggle. Re-enabling clears an auto-disable
// and schedules an immediate probe.
func HandleToggleCheck(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := st.GetCheck(PathParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}

		now := time.Now().UnixNano()
		c.Enabled = !c.Enabled
		c.UpdatedAtNs = now
		if c.Enabled {
			c.Disabled = false
			c.DisabledAtNs = 0
			c.DisabledReason = ""
			c.ConsecutiveFailures = 0
			c.FirstFailureNs = 0
			c.NextDueNs = now
		}

		if err := st.UpsertCheck(c); err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

// HandleProbeCheck returns a handler for POST
// /api/v1/checks/{id}/actions/probe: run the full pipeline immediately and
// return the outcome.
func HandleProbeCheck(prober Prober) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := prober.ProbeNow(r.Context(), PathParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}
