package handlers

import (
	"net/http"
	"time"

	"github.com/fogsync/fogsync/internal/api/middleware"
	"github.com/fogsync/fogsync/pkg/store"
)

// LogHandler serves GET /snapshot_log.
type LogHandler struct {
	Store *store.GORMStore
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(st *store.GORMStore) *LogHandler {
	return &LogHandler{Store: st}
}

type logJSON struct {
	ID         int64     `json:"id"`
	SnapshotID *int64    `json:"snapshot_id"`
	Timestamp  time.Time `json:"timestamp"`
	Succeed    bool      `json:"succeed"`
	Details    string    `json:"details"`
}

// List returns all of the user's sync run logs, newest first.
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	logs, err := h.Store.ListLogs(r.Context(), uid)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	out := make([]logJSON, 0, len(logs))
	for _, l := range logs {
		out = append(out, logJSON{
			ID:         l.ID,
			SnapshotID: l.SnapshotID,
			Timestamp:  l.Timestamp,
			Succeed:    l.Succeed,
			Details:    l.Details,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}
