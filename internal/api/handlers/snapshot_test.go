package handlers

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogsync/fogsync/pkg/syncfile"
)

func TestSnapshotCreate(t *testing.T) {
	fx := newFixture(t)
	h := NewSnapshotHandler(fx.service, fx.uploads, fx.downloads)
	timestamp := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	t.Run("valid upload", func(t *testing.T) {
		payload := buildSyncZip(t, map[string][]byte{
			"23e4lltkkoke":           {0x00},
			syncfile.Filename(12345): {0x01, 0x02},
			".DS_Store":              []byte("junk"),
		})
		token := fx.uploads.Put(payload)

		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot", map[string]any{
			"timestamp":    timestamp,
			"upload_token": token,
		}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp struct {
			ID        int64    `json:"id"`
			FileCount int      `json:"file_count"`
			Logs      []string `json:"logs"`
		}
		decodeBody(t, rec, &resp)
		assert.NotZero(t, resp.ID)
		assert.Equal(t, 2, resp.FileCount)
		assert.Contains(t, resp.Logs, "unexpected file: .DS_Store")
		assert.Contains(t, resp.Logs, "new files: 2/2")

		// the token is one-shot
		rec = httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot", map[string]any{
			"timestamp":    timestamp,
			"upload_token": token,
		}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidUploadToken)
	})

	t.Run("unknown upload token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot", map[string]any{
			"timestamp":    timestamp,
			"upload_token": "nope",
		}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidUploadToken)
	})

	t.Run("payload is not a zip", func(t *testing.T) {
		token := fx.uploads.Put([]byte("this is not a zip"))
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot", map[string]any{
			"timestamp":    timestamp,
			"upload_token": token,
		}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeSnapshotIsEmpty)
	})

	t.Run("no sync files at all", func(t *testing.T) {
		token := fx.uploads.Put(buildSyncZip(t, map[string][]byte{
			"snapshot.json": []byte("{}"),
		}))
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot", map[string]any{
			"timestamp":    timestamp,
			"upload_token": token,
		}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeSnapshotIsEmpty)
	})

	t.Run("timestamp in the future", func(t *testing.T) {
		token := fx.uploads.Put(buildSyncZip(t, map[string][]byte{
			"23e4lltkkoke": {0x00},
		}))
		rec := httptest.NewRecorder()
		h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot", map[string]any{
			"timestamp":    time.Now().Add(time.Hour),
			"upload_token": token,
		}))
		requireErrorCode(t, rec, http.StatusBadRequest, codeTimestampInFuture)
	})
}

func TestSnapshotList(t *testing.T) {
	fx := newFixture(t)
	h := NewSnapshotHandler(fx.service, fx.uploads, fx.downloads)

	base := time.Now().Add(-24 * time.Hour).UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		payload := buildSyncZip(t, map[string][]byte{
			syncfile.Filename(uint32(i + 1)): {byte(i)},
		})
		createSnapshotViaUpload(t, fx, base.Add(time.Duration(i)*time.Hour), payload)
	}

	t.Run("defaults", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.List(rec, jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Snapshots []snapshotJSON `json:"snapshots"`
			Total     int64          `json:"total"`
			Pages     int64          `json:"pages"`
		}
		decodeBody(t, rec, &resp)
		require.Len(t, resp.Snapshots, 3)
		assert.Equal(t, int64(3), resp.Total)
		assert.Equal(t, int64(1), resp.Pages)
		// newest first
		assert.True(t, resp.Snapshots[0].Timestamp.After(resp.Snapshots[1].Timestamp))
	})

	t.Run("small pages", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.List(rec, jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot?page=2&page_size=2", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Snapshots []snapshotJSON `json:"snapshots"`
			Pages     int64          `json:"pages"`
		}
		decodeBody(t, rec, &resp)
		assert.Len(t, resp.Snapshots, 1)
		assert.Equal(t, int64(2), resp.Pages)
	})

	t.Run("bad paging params", func(t *testing.T) {
		for _, target := range []string{
			"/snapshot?page=0",
			"/snapshot?page=x",
			"/snapshot?page_size=0",
			"/snapshot?page_size=9999",
		} {
			rec := httptest.NewRecorder()
			h.List(rec, jsonRequest(t, fx.user.ID, http.MethodGet, target, nil))
			requireErrorCode(t, rec, http.StatusBadRequest, codeInvalidRequest)
		}
	})

	t.Run("other user sees nothing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.List(rec, jsonRequest(t, fx.user.ID+100, http.MethodGet, "/snapshot", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Total int64 `json:"total"`
		}
		decodeBody(t, rec, &resp)
		assert.Zero(t, resp.Total)
	})
}

func TestSnapshotUpdateAndDelete(t *testing.T) {
	fx := newFixture(t)
	h := NewSnapshotHandler(fx.service, fx.uploads, fx.downloads)

	timestamp := time.Now().Add(-time.Hour)
	id := createSnapshotViaUpload(t, fx, timestamp, buildSyncZip(t, map[string][]byte{
		"23e4lltkkoke": {0x00},
	}))
	idParam := strconv.FormatInt(id, 10)

	t.Run("update note", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := withURLParam(jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot/"+idParam,
			map[string]any{"note": "after the hike"}), "id", idParam)
		h.Update(rec, r)
		require.Equal(t, http.StatusOK, rec.Code)

		view, err := fx.service.Get(r.Context(), fx.user.ID, id)
		require.NoError(t, err)
		require.NotNil(t, view.Snapshot.Note)
		assert.Equal(t, "after the hike", *view.Snapshot.Note)
	})

	t.Run("note too long", func(t *testing.T) {
		long := make([]byte, 300)
		for i := range long {
			long[i] = 'a'
		}
		rec := httptest.NewRecorder()
		r := withURLParam(jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot/"+idParam,
			map[string]any{"note": string(long)}), "id", idParam)
		h.Update(rec, r)
		requireErrorCode(t, rec, http.StatusBadRequest, codeNoteTooLong)
	})

	t.Run("other user cannot touch it", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := withURLParam(jsonRequest(t, fx.user.ID+100, http.MethodDelete, "/snapshot/"+idParam, nil), "id", idParam)
		h.Delete(rec, r)
		requireErrorCode(t, rec, http.StatusNotFound, codeNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := withURLParam(jsonRequest(t, fx.user.ID, http.MethodDelete, "/snapshot/"+idParam, nil), "id", idParam)
		h.Delete(rec, r)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		r = withURLParam(jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot/"+idParam+"/editor_view", nil), "id", idParam)
		h.EditorView(rec, r)
		requireErrorCode(t, rec, http.StatusNotFound, codeNotFound)
	})

	t.Run("garbage id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := withURLParam(jsonRequest(t, fx.user.ID, http.MethodDelete, "/snapshot/abc", nil), "id", "abc")
		h.Delete(rec, r)
		requireErrorCode(t, rec, http.StatusNotFound, codeNotFound)
	})
}

func TestSnapshotEditorView(t *testing.T) {
	fx := newFixture(t)
	h := NewSnapshotHandler(fx.service, fx.uploads, fx.downloads)

	base := time.Now().Add(-24 * time.Hour).UTC().Truncate(time.Second)
	var ids []int64
	for i := 0; i < 3; i++ {
		payload := buildSyncZip(t, map[string][]byte{
			"23e4lltkkoke": {byte(i)},
		})
		ids = append(ids, createSnapshotViaUpload(t, fx, base.Add(time.Duration(i)*time.Hour), payload))
	}

	idParam := strconv.FormatInt(ids[1], 10)
	rec := httptest.NewRecorder()
	r := withURLParam(jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot/"+idParam+"/editor_view", nil), "id", idParam)
	h.EditorView(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Snapshot      snapshotJSON `json:"snapshot"`
		PrevID        *int64       `json:"prev_id"`
		NextID        *int64       `json:"next_id"`
		DownloadToken string       `json:"download_token"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, ids[1], resp.Snapshot.ID)
	require.NotNil(t, resp.PrevID)
	assert.Equal(t, ids[0], *resp.PrevID)
	require.NotNil(t, resp.NextID)
	assert.Equal(t, ids[2], *resp.NextID)

	item, ok := fx.downloads.Get(resp.DownloadToken)
	require.True(t, ok)
	assert.Equal(t, DownloadSnapshot, item.Kind)
	assert.Equal(t, ids[1], item.SnapshotID)
}

func TestSnapshotDownloadToken(t *testing.T) {
	fx := newFixture(t)
	h := NewSnapshotHandler(fx.service, fx.uploads, fx.downloads)

	id := createSnapshotViaUpload(t, fx, time.Now().Add(-time.Hour), buildSyncZip(t, map[string][]byte{
		"23e4lltkkoke": {0x00},
	}))
	idParam := strconv.FormatInt(id, 10)

	t.Run("grants for the owner", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := withURLParam(jsonRequest(t, fx.user.ID, http.MethodGet, "/snapshot/"+idParam+"/download_token", nil), "id", idParam)
		h.DownloadToken(rec, r)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			DownloadToken string `json:"download_token"`
		}
		decodeBody(t, rec, &resp)
		item, ok := fx.downloads.Get(resp.DownloadToken)
		require.True(t, ok)
		assert.Equal(t, fx.user.ID, item.UserID)
	})

	t.Run("denied for anyone else", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := withURLParam(jsonRequest(t, fx.user.ID+100, http.MethodGet, "/snapshot/"+idParam+"/download_token", nil), "id", idParam)
		h.DownloadToken(rec, r)
		requireErrorCode(t, rec, http.StatusNotFound, codeNotFound)
	})
}
