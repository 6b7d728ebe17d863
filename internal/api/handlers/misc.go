package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fogsync/fogsync/internal/api/middleware"
	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/archive"
	"github.com/fogsync/fogsync/pkg/metrics"
	"github.com/fogsync/fogsync/pkg/snapshot"
	"github.com/fogsync/fogsync/pkg/tokenstore"
)

// MaxUploadSize caps POST /misc/upload bodies.
const MaxUploadSize = 4 << 20 // 4 MiB

// DownloadKind selects what a download grant serves.
type DownloadKind string

const (
	DownloadSnapshot DownloadKind = "snapshot"
	DownloadArchive  DownloadKind = "archive"
)

// DownloadItem is the value behind a download token. For archives the
// item evolves in place: once generated, GeneratedPath points at the
// artifact and repeat hits of the same token stream it directly.
type DownloadItem struct {
	Kind       DownloadKind
	UserID     int64
	SnapshotID int64
	Timezone   string

	GeneratedPath string
}

// MiscHandler serves uploads and token-gated downloads.
type MiscHandler struct {
	Uploads   *tokenstore.Store[[]byte]
	Downloads *tokenstore.Store[DownloadItem]
	Service   *snapshot.Service
	Exporter  *archive.Exporter
	TempDir   string

	// Metrics is optional; a nil value disables recording.
	Metrics *metrics.Metrics
}

// NewMiscHandler creates a MiscHandler.
func NewMiscHandler(uploads *tokenstore.Store[[]byte], downloads *tokenstore.Store[DownloadItem], svc *snapshot.Service, exporter *archive.Exporter, tempDir string) *MiscHandler {
	return &MiscHandler{Uploads: uploads, Downloads: downloads, Service: svc, Exporter: exporter, TempDir: tempDir}
}

// Upload handles POST /misc/upload: the raw body is held under a
// short-lived token until snapshot creation claims it.
func (h *MiscHandler) Upload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, codeEmptyFile)
		return
	}
	token := h.Uploads.Put(body)
	writeJSON(w, http.StatusOK, map[string]any{"upload_token": token})
}

// ArchiveDownloadToken handles GET /memolanes_archive/download_token.
func (h *MiscHandler) ArchiveDownloadToken(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	tz := r.URL.Query().Get("timezone")
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		writeError(w, http.StatusBadRequest, codeInvalidTimezone)
		return
	}
	token := h.Downloads.Put(DownloadItem{Kind: DownloadArchive, UserID: uid, Timezone: tz})
	writeJSON(w, http.StatusOK, map[string]any{"download_token": token})
}

// Download handles GET /misc/download?token=. Unknown or expired tokens
// are a 403; grants themselves carry the authorization.
func (h *MiscHandler) Download(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	item, ok := h.Downloads.Get(token)
	if !ok {
		writeError(w, http.StatusForbidden, codeUnauthorized)
		return
	}

	switch item.Kind {
	case DownloadSnapshot:
		h.Metrics.RecordDownload(string(DownloadSnapshot))
		h.serveSnapshot(w, r, item)
	case DownloadArchive:
		h.Metrics.RecordDownload(string(DownloadArchive))
		h.serveArchive(w, r, token, item)
	default:
		writeError(w, http.StatusForbidden, codeUnauthorized)
	}
}

func (h *MiscHandler) serveSnapshot(w http.ResponseWriter, r *http.Request, item DownloadItem) {
	snap, err := h.Service.Store.GetSnapshotByID(r.Context(), item.SnapshotID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="snapshot-%s.zip"`, snap.Timestamp.UTC().Format("20060102-150405")))
	if err := h.Service.WriteSyncZip(r.Context(), w, item.UserID, snap.SyncFiles); err != nil {
		// headers are gone; all we can do is log
		logger.Error("failed to stream snapshot download", "snapshot_id", snap.ID, "error", err)
	}
}

// serveArchive generates the archive at most once per token and streams
// the memoized artifact afterwards.
func (h *MiscHandler) serveArchive(w http.ResponseWriter, r *http.Request, token string, item DownloadItem) {
	pathAny, err := h.Downloads.Do(token, func() (any, error) {
		current, ok := h.Downloads.Get(token)
		if !ok {
			return nil, os.ErrNotExist
		}
		if current.GeneratedPath != "" {
			return current.GeneratedPath, nil
		}
		tz, err := time.LoadLocation(current.Timezone)
		if err != nil {
			return nil, err
		}
		out, err := os.CreateTemp(h.TempDir, "archive-*.mldx")
		if err != nil {
			return nil, err
		}
		if err := h.Exporter.Export(r.Context(), current.UserID, tz, out); err != nil {
			out.Close()
			os.Remove(out.Name())
			return nil, err
		}
		if err := out.Close(); err != nil {
			os.Remove(out.Name())
			return nil, err
		}
		current.GeneratedPath = out.Name()
		h.Downloads.Replace(token, current)
		return out.Name(), nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusForbidden, codeUnauthorized)
			return
		}
		writeInternalError(w, err)
		return
	}

	path := pathAny.(string)
	f, err := os.Open(path)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="archive.mldx"`)
	if _, err := io.Copy(w, f); err != nil {
		logger.Error("failed to stream archive download", "error", err)
	}
}
