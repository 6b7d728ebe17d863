package handlers

import (
	"archive/zip"
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fogsync/fogsync/internal/api/middleware"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/snapshot"
	"github.com/fogsync/fogsync/pkg/tokenstore"
)

const (
	defaultPageSize = 10
	maxPageSize     = 200
)

// SnapshotHandler serves the /snapshot endpoints.
type SnapshotHandler struct {
	Service   *snapshot.Service
	Uploads   *tokenstore.Store[[]byte]
	Downloads *tokenstore.Store[DownloadItem]
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(svc *snapshot.Service, uploads *tokenstore.Store[[]byte], downloads *tokenstore.Store[DownloadItem]) *SnapshotHandler {
	return &SnapshotHandler{Service: svc, Uploads: uploads, Downloads: downloads}
}

type snapshotJSON struct {
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	SourceKind models.SourceKind `json:"source_kind"`
	Note       *string           `json:"note"`
	FileCount  int               `json:"file_count"`
}

func toSnapshotJSON(s *models.Snapshot) snapshotJSON {
	return snapshotJSON{
		ID:         s.ID,
		Timestamp:  s.Timestamp,
		SourceKind: s.SourceKind,
		Note:       s.Note,
		FileCount:  len(s.SyncFiles),
	}
}

// List handles GET /snapshot?page=&page_size=.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		page = n
	}
	pageSize := defaultPageSize
	if v := r.URL.Query().Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			writeError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		pageSize = n
	}

	snapshots, total, err := h.Service.List(r.Context(), uid, page, pageSize)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	out := make([]snapshotJSON, 0, len(snapshots))
	for i := range snapshots {
		out = append(out, toSnapshotJSON(&snapshots[i]))
	}
	pages := (total + int64(pageSize) - 1) / int64(pageSize)
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": out,
		"total":     total,
		"pages":     pages,
	})
}

type createSnapshotRequest struct {
	Timestamp   time.Time `json:"timestamp"`
	UploadToken string    `json:"upload_token"`
	Note        *string   `json:"note"`
}

// Create handles POST /snapshot: turns a previously uploaded ZIP into a
// snapshot.
func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())

	var req createSnapshotRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	payload, ok := h.Uploads.Take(req.UploadToken)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidUploadToken)
		return
	}
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeSnapshotIsEmpty)
		return
	}

	snap, logs, err := h.Service.CreateFromUpload(r.Context(), uid, req.Timestamp, req.Note, zr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         snap.ID,
		"file_count": len(snap.SyncFiles),
		"logs":       logs,
	})
}

func snapshotIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound)
		return 0, false
	}
	return id, true
}

type updateSnapshotRequest struct {
	Note *string `json:"note"`
}

// Update handles POST /snapshot/{id}; only the note is editable.
func (h *SnapshotHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	id, ok := snapshotIDParam(w, r)
	if !ok {
		return
	}
	var req updateSnapshotRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := h.Service.UpdateNote(r.Context(), uid, id, req.Note); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Delete handles DELETE /snapshot/{id}.
func (h *SnapshotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	id, ok := snapshotIDParam(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), uid, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// DownloadToken handles GET /snapshot/{id}/download_token.
func (h *SnapshotHandler) DownloadToken(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	id, ok := snapshotIDParam(w, r)
	if !ok {
		return
	}
	// ownership check before granting
	if _, err := h.Service.Store.GetSnapshot(r.Context(), uid, id); err != nil {
		writeServiceError(w, err)
		return
	}
	token := h.Downloads.Put(DownloadItem{Kind: DownloadSnapshot, UserID: uid, SnapshotID: id})
	writeJSON(w, http.StatusOK, map[string]any{"download_token": token})
}

// EditorView handles GET /snapshot/{id}/editor_view: the snapshot, its
// timeline neighbors, and a fresh download token.
func (h *SnapshotHandler) EditorView(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	id, ok := snapshotIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.Service.Get(r.Context(), uid, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	token := h.Downloads.Put(DownloadItem{Kind: DownloadSnapshot, UserID: uid, SnapshotID: id})
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":       toSnapshotJSON(view.Snapshot),
		"prev_id":        view.PrevID,
		"next_id":        view.NextID,
		"download_token": token,
	})
}
