package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogsync/fogsync/pkg/fetcher"
	"github.com/fogsync/fogsync/pkg/models"
)

const testShareURL = "https://1drv.ms/f/s!AAAbbbCCCddd"

func acceptAllSources(ctx context.Context, source models.Source) error { return nil }

func validTaskBody(interval int32) map[string]any {
	return map[string]any{
		"interval": interval,
		"source": map[string]any{
			"kind":      models.SourceKindOneDrive,
			"share_url": testShareURL,
		},
	}
}

func TestTaskCreate(t *testing.T) {
	fx := newFixture(t)
	h := NewTaskHandler(fx.store, acceptAllSources)

	t.Run("validates the interval", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", validTaskBody(123)))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidInterval)
	})

	t.Run("validates the source kind", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", map[string]any{
			"interval": 360,
			"source": map[string]any{
				"kind":      "dropbox",
				"share_url": testShareURL,
			},
		}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidShare)
	})

	t.Run("requires a well-formed share url", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", map[string]any{
			"interval": 360,
			"source": map[string]any{
				"kind":      models.SourceKindOneDrive,
				"share_url": "not a url",
			},
		}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidRequest)
	})

	t.Run("surfaces the source precheck failure", func(t *testing.T) {
		reject := NewTaskHandler(fx.store, func(ctx context.Context, source models.Source) error {
			return fetcher.ErrInvalidFolderStructure
		})
		rec := httptest.NewRecorder()
		reject.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", validTaskBody(360)))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidFolderStructure)
	})

	t.Run("creates and rejects duplicates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", validTaskBody(360)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		task, err := fx.store.GetTask(context.Background(), fx.user.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusRunning, task.Status)
		assert.Equal(t, int32(360), task.Interval)
		assert.Equal(t, testShareURL, task.Source.ShareURL)
		assert.False(t, task.NextSync.IsZero())

		rec = httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", validTaskBody(720)))
		requireErrorCode(t, rec, http.StatusBadRequest, codeDuplicateTask)
	})
}

func TestTaskGet(t *testing.T) {
	fx := newFixture(t)
	h := NewTaskHandler(fx.store, acceptAllSources)
	ctx := context.Background()

	t.Run("missing task", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Get(rec, jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot_task", nil))
		requireErrorCode(t, rec, http.StatusNotFound, codeNotFound)
	})

	rec := httptest.NewRecorder()
	h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", validTaskBody(1440)))
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("no runs yet", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Get(rec, jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot_task", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp taskJSON
		decodeBody(t, rec, &resp)
		assert.Equal(t, models.TaskStatusRunning, resp.Status)
		assert.Equal(t, int32(1440), resp.Interval)
		assert.Equal(t, testShareURL, resp.Source.ShareURL)
		assert.Nil(t, resp.LastSuccessSync)
	})

	t.Run("reports the last successful run", func(t *testing.T) {
		ranAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		require.NoError(t, fx.store.AppendLog(ctx, &models.SnapshotLog{
			UserID:    fx.user.ID,
			Timestamp: ranAt.Add(-time.Hour),
			Succeed:   false,
			Details:   "share is gone",
		}))
		require.NoError(t, fx.store.AppendLog(ctx, &models.SnapshotLog{
			UserID:    fx.user.ID,
			Timestamp: ranAt,
			Succeed:   true,
			Details:   "new files: 1/1",
		}))

		rec := httptest.NewRecorder()
		h.Get(rec, jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot_task", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp taskJSON
		decodeBody(t, rec, &resp)
		require.NotNil(t, resp.LastSuccessSync)
		assert.True(t, ranAt.Equal(*resp.LastSuccessSync))
	})
}

func TestTaskUpdate(t *testing.T) {
	fx := newFixture(t)
	h := NewTaskHandler(fx.store, acceptAllSources)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", validTaskBody(360)))
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("stopped is not settable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Update(rec, jsonRequest(t, fx.user.ID, http.MethodPatch, "/snapshot_task",
			map[string]any{"status": "stopped"}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidStatus)
	})

	t.Run("pause keeps the schedule", func(t *testing.T) {
		before, err := fx.store.GetTask(ctx, fx.user.ID)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		h.Update(rec, jsonRequest(t, fx.user.ID, http.MethodPatch, "/snapshot_task",
			map[string]any{"status": "paused"}))
		require.Equal(t, http.StatusOK, rec.Code)

		task, err := fx.store.GetTask(ctx, fx.user.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPaused, task.Status)
		assert.WithinDuration(t, before.NextSync, task.NextSync, time.Second)
	})

	t.Run("resume resets the error counter and reschedules", func(t *testing.T) {
		require.NoError(t, fx.store.UpdateTaskColumns(ctx, fx.user.ID, map[string]any{
			"error_count": int32(2),
		}))

		rec := httptest.NewRecorder()
		h.Update(rec, jsonRequest(t, fx.user.ID, http.MethodPatch, "/snapshot_task",
			map[string]any{"status": "running"}))
		require.Equal(t, http.StatusOK, rec.Code)

		task, err := fx.store.GetTask(ctx, fx.user.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusRunning, task.Status)
		assert.Zero(t, task.ErrorCount)
	})

	t.Run("source change resets the error counter", func(t *testing.T) {
		require.NoError(t, fx.store.UpdateTaskColumns(ctx, fx.user.ID, map[string]any{
			"error_count": int32(1),
		}))

		rec := httptest.NewRecorder()
		h.Update(rec, jsonRequest(t, fx.user.ID, http.MethodPatch, "/snapshot_task", map[string]any{
			"source": map[string]any{
				"kind":      models.SourceKindOneDrive,
				"share_url": testShareURL + "2",
			},
		}))
		require.Equal(t, http.StatusOK, rec.Code)

		task, err := fx.store.GetTask(ctx, fx.user.ID)
		require.NoError(t, err)
		assert.Equal(t, testShareURL+"2", task.Source.ShareURL)
		assert.Zero(t, task.ErrorCount)
	})

	t.Run("bad interval", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Update(rec, jsonRequest(t, fx.user.ID, http.MethodPatch, "/snapshot_task",
			map[string]any{"interval": 77}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidInterval)
	})
}

func TestTaskDelete(t *testing.T) {
	fx := newFixture(t)
	h := NewTaskHandler(fx.store, acceptAllSources)

	rec := httptest.NewRecorder()
	h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot_task", validTaskBody(360)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Delete(rec, jsonRequest(t, fx.user.ID, http.MethodDelete, "/snapshot_task", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Delete(rec, jsonRequest(t, fx.user.ID, http.MethodDelete, "/snapshot_task", nil))
	requireErrorCode(t, rec, http.StatusNotFound, codeNotFound)
}
