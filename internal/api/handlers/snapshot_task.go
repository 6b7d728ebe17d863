package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fogsync/fogsync/internal/api/middleware"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/store"
)

// SourceValidator prechecks that a task source actually points at a
// well-formed backup folder before it is persisted.
type SourceValidator func(ctx context.Context, source models.Source) error

// TaskHandler serves the /snapshot_task endpoints.
type TaskHandler struct {
	Store          *store.GORMStore
	ValidateSource SourceValidator

	validate *validator.Validate
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(st *store.GORMStore, validateSource SourceValidator) *TaskHandler {
	return &TaskHandler{
		Store:          st,
		ValidateSource: validateSource,
		validate:       validator.New(),
	}
}

type sourceJSON struct {
	Kind     string `json:"kind" validate:"required"`
	ShareURL string `json:"share_url" validate:"required,url"`
}

func (s sourceJSON) toModel() models.Source {
	return models.Source{Kind: s.Kind, ShareURL: s.ShareURL}
}

type taskJSON struct {
	Status          models.TaskStatus `json:"status"`
	Interval        int32             `json:"interval"`
	Source          sourceJSON        `json:"source"`
	ErrorCount      int32             `json:"error_count"`
	LastSuccessSync *time.Time        `json:"last_success_sync"`
}

// Get handles GET /snapshot_task. next_sync stays internal; clients get
// the error counter and the last successful run instead.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	task, err := h.Store.GetTask(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	lastSuccess, err := h.Store.LastLogTime(r.Context(), uid, true)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskJSON{
		Status:          task.Status,
		Interval:        task.Interval,
		Source:          sourceJSON{Kind: task.Source.Kind, ShareURL: task.Source.ShareURL},
		ErrorCount:      task.ErrorCount,
		LastSuccessSync: lastSuccess,
	})
}

type createTaskRequest struct {
	Interval int32      `json:"interval" validate:"required"`
	Source   sourceJSON `json:"source" validate:"required"`
}

// Create handles POST /snapshot_task.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())

	var req createTaskRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if !models.AllowedIntervals[req.Interval] {
		writeError(w, http.StatusBadRequest, codeInvalidInterval)
		return
	}
	source := req.Source.toModel()
	if source.Kind != models.SourceKindOneDrive {
		writeError(w, http.StatusBadRequest, codeInvalidShare)
		return
	}
	if err := h.ValidateSource(r.Context(), source); err != nil {
		writeServiceError(w, err)
		return
	}

	nextSync, err := h.Store.MinNextSyncTime(r.Context(), uid, time.Now())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	task := &models.SnapshotTask{
		UserID:   uid,
		Status:   models.TaskStatusRunning,
		Interval: req.Interval,
		Source:   source,
		NextSync: nextSync,
	}
	if err := h.Store.CreateTask(r.Context(), task); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type updateTaskRequest struct {
	Status   *models.TaskStatus `json:"status"`
	Interval *int32             `json:"interval"`
	Source   *sourceJSON        `json:"source"`
}

// Update handles PATCH /snapshot_task. Any transition to Running and
// any interval or source change resets the error counter and
// reschedules from scratch; Stopped is reserved for the scheduler.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())

	var req updateTaskRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Status != nil && (!req.Status.IsValid() || *req.Status == models.TaskStatusStopped) {
		writeError(w, http.StatusBadRequest, codeInvalidStatus)
		return
	}
	if req.Interval != nil && !models.AllowedIntervals[*req.Interval] {
		writeError(w, http.StatusBadRequest, codeInvalidInterval)
		return
	}
	var newSource *models.Source
	if req.Source != nil {
		if err := h.validate.Struct(*req.Source); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		src := req.Source.toModel()
		if src.Kind != models.SourceKindOneDrive {
			writeError(w, http.StatusBadRequest, codeInvalidShare)
			return
		}
		newSource = &src
	}

	// source precheck happens outside the transaction; it is a remote
	// HTTP call
	if newSource != nil {
		if err := h.ValidateSource(r.Context(), *newSource); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	err := h.Store.WithTx(r.Context(), func(tx *store.GORMStore) error {
		task, err := tx.GetTaskForUpdate(r.Context(), uid)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		resumed := req.Status != nil && *req.Status == models.TaskStatusRunning && task.Status != models.TaskStatusRunning
		if req.Status != nil {
			updates["status"] = *req.Status
		}
		changed := false
		if req.Interval != nil && *req.Interval != task.Interval {
			updates["interval"] = *req.Interval
			changed = true
		}
		if newSource != nil && !newSource.Equal(task.Source) {
			updates["source"] = *newSource
			changed = true
		}
		if resumed || changed {
			nextSync, err := tx.MinNextSyncTime(r.Context(), uid, time.Now())
			if err != nil {
				return err
			}
			updates["error_count"] = int32(0)
			updates["next_sync"] = nextSync
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.UpdateTaskColumns(r.Context(), uid, updates)
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Delete handles DELETE /snapshot_task.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	err := h.Store.DeleteTask(r.Context(), uid)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound)
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
