// Package handlers implements the HTTP API endpoints.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/fetcher"
	"github.com/fogsync/fogsync/pkg/filestore"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/snapshot"
)

// Machine-readable error codes; these are part of the API contract.
const (
	codeTimestampInFuture        = "timestamp_is_in_future"
	codeInvalidUploadToken       = "invalid_upload_token"
	codeSnapshotIsEmpty          = "snapshot_is_empty"
	codeNoteTooLong              = "note_too_long"
	codeInvalidStatus            = "invalid_status"
	codeInvalidInterval          = "invalid_interval"
	codeInvalidShare             = "invalid_share"
	codeInvalidFolderStructure   = "invalid_folder_structure"
	codeEmptyFile                = "empty_file"
	codeInvalidTimezone          = "invalid_timezone"
	codeInvalidRequest           = "invalid_request"
	codeNotFound                 = "not_found"
	codeUnauthorized             = "unauthorized"
	codeInternalError            = "internal_error"
	codeQuotaExceeded            = "storage_quota_exceeded"
	codeDuplicateTask            = "task_already_exists"
	codeSnapshotSizeLimit        = "snapshot_size_limit_exceeded"
	codeRegistrationTokenUnknown = "invalid_registration_token"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes to a buffer first so encoding failures can still
// produce a clean 500.
func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}

func writeInternalError(w http.ResponseWriter, err error) {
	logger.Error("internal error", "error", err)
	writeError(w, http.StatusInternalServerError, codeInternalError)
}

// writeServiceError maps known domain errors to their status and code;
// anything unknown becomes a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, snapshot.ErrTimestampInFuture):
		writeError(w, http.StatusBadRequest, codeTimestampInFuture)
	case errors.Is(err, snapshot.ErrNoteTooLong):
		writeError(w, http.StatusBadRequest, codeNoteTooLong)
	case errors.Is(err, snapshot.ErrSnapshotEmpty):
		writeError(w, http.StatusBadRequest, codeSnapshotIsEmpty)
	case errors.Is(err, fetcher.ErrInvalidShare):
		writeError(w, http.StatusBadRequest, codeInvalidShare)
	case errors.Is(err, fetcher.ErrInvalidFolderStructure):
		writeError(w, http.StatusBadRequest, codeInvalidFolderStructure)
	case errors.Is(err, fetcher.ErrSnapshotTooLarge):
		writeError(w, http.StatusBadRequest, codeSnapshotSizeLimit)
	case errors.Is(err, filestore.ErrQuotaExceeded):
		writeError(w, http.StatusBadRequest, codeQuotaExceeded)
	case errors.Is(err, models.ErrSnapshotNotFound),
		errors.Is(err, models.ErrTaskNotFound),
		errors.Is(err, models.ErrUserNotFound):
		writeError(w, http.StatusNotFound, codeNotFound)
	case errors.Is(err, models.ErrDuplicateTask):
		writeError(w, http.StatusBadRequest, codeDuplicateTask)
	default:
		writeInternalError(w, err)
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return false
	}
	return true
}
