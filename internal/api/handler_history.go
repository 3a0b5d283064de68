package api

import (
	"net/http"
	"time"

	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HandleCheckHistory returns a handler for GET /api/v1/checks/{id}/history.
// Supports from/to (unix nanoseconds), kind, limit and offset.
func HandleCheckHistory(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := PathParam(r, "id")
		if _, err := st.GetCheck(id); err != nil {
			writeStoreError(w, err)
			return
		}

		q := store.OutcomeQuery{CheckID: id}
		var err error
		if q.FromNs, err = parseInt64Query(r, "from"); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if q.ToNs, err = parseInt64Query(r, "to"); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if q.Limit, err = parseIntQuery(r, "limit", defaultHistoryLimit, maxHistoryLimit); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if q.Offset, err = parseIntQuery(r, "offset", 0, 0); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		q.Kind = model.OutcomeKind(r.URL.Query().Get("kind"))

		outcomes, err := st.ListOutcomes(q)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteList(w, http.StatusOK, outcomes)
	}
}

// HandleCheckStats returns a handler for GET /api/v1/checks/{id}/stats.
// The range defaults to the last 24 hours.
func HandleCheckStats(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := PathParam(r, "id")
		if _, err := st.GetCheck(id); err != nil {
			writeStoreError(w, err)
			return
		}

		from, err := parseInt64Query(r, "from")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		to, err := parseInt64Query(r, "to")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if to == 0 {
			to = time.Now().UnixNano()
		}
		if from == 0 {
			from = to - int64(24*time.Hour)
		}

		stats, err := st.Stats(id, from, to)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// HandleCheckRollups returns a handler for GET /api/v1/checks/{id}/rollups.
// from/to are UTC days ("2006-01-02"); the range defaults to the last 30
// days.
func HandleCheckRollups(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := PathParam(r, "id")
		if _, err := st.GetCheck(id); err != nil {
			writeStoreError(w, err)
			return
		}

		now := time.Now()
		fromDay := r.URL.Query().Get("from")
		toDay := r.URL.Query().Get("to")
		if toDay == "" {
			toDay = store.DayOf(now.UnixNano())
		}
		if fromDay == "" {
			fromDay = store.DayOf(now.AddDate(0, 0, -30).UnixNano())
		}
		for _, day := range []string{fromDay, toDay} {
			if _, err := time.Parse("2006-01-02", day); err != nil {
				writeInvalidArgument(w, "from/to: must be YYYY-MM-DD days")
				return
			}
		}

		rollups, err := st.ListRollups(id, fromDay, toDay)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteList(w, http.StatusOK, rollups)
	}
}
