package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fogsync/fogsync/internal/api/middleware"
	"github.com/fogsync/fogsync/pkg/filestore"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/snapshot"
	"github.com/fogsync/fogsync/pkg/store"
	"github.com/fogsync/fogsync/pkg/tokenstore"
)

type fixture struct {
	store     *store.GORMStore
	files     *filestore.Store
	service   *snapshot.Service
	uploads   *tokenstore.Store[[]byte]
	downloads *tokenstore.Store[DownloadItem]
	user      *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	user := &models.User{
		ContactEmail: "someone@example.com",
		Language:     models.LanguageEnUS,
	}
	require.NoError(t, st.CreateUser(context.Background(), user))

	return &fixture{
		store:     st,
		files:     files,
		service:   snapshot.NewService(st, files),
		uploads:   tokenstore.New[[]byte](time.Minute),
		downloads: tokenstore.New[DownloadItem](10 * time.Minute),
		user:      user,
	}
}

// jsonRequest builds an authenticated request with a JSON body.
func jsonRequest(t *testing.T, uid int64, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(middleware.WithUserID(r.Context(), uid))
}

// withURLParam injects a chi route parameter, standing in for the router.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func requireErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	require.Equal(t, code, body.Error)
}

// buildSyncZip builds a ZIP whose entries live under Sync/.
func buildSyncZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := zw.Create("Sync/" + name)
		require.NoError(t, err)
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// createSnapshotViaUpload drives the real upload+create flow and returns
// the snapshot id.
func createSnapshotViaUpload(t *testing.T, fx *fixture, timestamp time.Time, payload []byte) int64 {
	t.Helper()
	token := fx.uploads.Put(payload)
	h := NewSnapshotHandler(fx.service, fx.uploads, fx.downloads)
	rec := httptest.NewRecorder()
	h.Create(rec, jsonRequest(t, fx.user.ID, http.MethodPost, "/snapshot", map[string]any{
		"timestamp":    timestamp,
		"upload_token": token,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, rec, &resp)
	return resp.ID
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}
