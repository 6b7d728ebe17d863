// Package server assembles the HTTP API and its middleware stack.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fogsync/fogsync/internal/api/auth"
	"github.com/fogsync/fogsync/internal/api/handlers"
	"github.com/fogsync/fogsync/internal/api/middleware"
	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/archive"
	"github.com/fogsync/fogsync/pkg/metrics"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/snapshot"
	"github.com/fogsync/fogsync/pkg/store"
	"github.com/fogsync/fogsync/pkg/tokenstore"
)

// Token lifetimes for the short-lived API flows.
const (
	uploadTokenTTL       = time.Minute
	downloadTokenTTL     = 10 * time.Minute
	registrationTokenTTL = 20 * time.Minute
)

// Deps carries everything the router needs. Optional fields (Metrics,
// Registry) may be nil.
type Deps struct {
	Store          *store.GORMStore
	JWT            *auth.JWTService
	SSO            handlers.IdentityExchanger
	Service        *snapshot.Service
	Exporter       *archive.Exporter
	ValidateSource handlers.SourceValidator
	Metrics        *metrics.Metrics
	Registry       *prometheus.Registry
	AllowedOrigins []string
	TempDir        string
}

// NewRouter creates and configures the chi router with all middleware
// and routes.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.NoCache)

	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	uploads := tokenstore.New[[]byte](uploadTokenTTL)
	downloads := tokenstore.New[handlers.DownloadItem](downloadTokenTTL)
	registrations := tokenstore.New[handlers.PendingRegistration](registrationTokenTTL)

	userHandler := handlers.NewUserHandler(deps.Store, deps.JWT, deps.SSO, registrations)
	snapshotHandler := handlers.NewSnapshotHandler(deps.Service, uploads, downloads)
	taskHandler := handlers.NewTaskHandler(deps.Store, deps.ValidateSource)
	logHandler := handlers.NewLogHandler(deps.Store)
	miscHandler := handlers.NewMiscHandler(uploads, downloads, deps.Service, deps.Exporter, deps.TempDir)
	miscHandler.Metrics = deps.Metrics

	// SSO endpoints carry no login token
	if deps.SSO != nil {
		r.Get("/user/sso/github", userHandler.RedirectGithub)
		r.Post("/user/sso/github", userHandler.LoginGithub)
		r.Post("/user/sso", userHandler.CompleteSSO)
	}

	// downloads authorize via their token, not the login token
	r.Get("/misc/download", miscHandler.Download)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.JWT))
		if deps.JWT.SingleUserMode() {
			r.Use(ensureSingleUser(deps.Store))
		}

		r.Get("/user", userHandler.Get)

		r.Route("/snapshot", func(r chi.Router) {
			r.Get("/", snapshotHandler.List)
			r.Post("/", snapshotHandler.Create)
			r.Post("/{id}", snapshotHandler.Update)
			r.Delete("/{id}", snapshotHandler.Delete)
			r.Get("/{id}/download_token", snapshotHandler.DownloadToken)
			r.Get("/{id}/editor_view", snapshotHandler.EditorView)
		})

		r.Route("/snapshot_task", func(r chi.Router) {
			r.Get("/", taskHandler.Get)
			r.Post("/", taskHandler.Create)
			r.Patch("/", taskHandler.Update)
			r.Delete("/", taskHandler.Delete)
		})

		r.Get("/snapshot_log", logHandler.List)

		r.Post("/misc/upload", miscHandler.Upload)
		r.Get("/memolanes_archive/download_token", miscHandler.ArchiveDownloadToken)
	})

	return r
}

// ensureSingleUser lazily creates the fixed local user row the first
// time single-user mode handles a request.
func ensureSingleUser(st *store.GORMStore) func(http.Handler) http.Handler {
	var mu sync.Mutex
	done := false
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			if !done {
				err := st.EnsureUser(r.Context(), &models.User{
					ID:           auth.SingleUserID,
					ContactEmail: auth.SingleUserEmail,
					Language:     models.LanguageEnUS,
				})
				if err != nil {
					mu.Unlock()
					logger.Error("failed to ensure single user row", "error", err)
					http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
					return
				}
				done = true
			}
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs requests using the internal logger. Healthcheck
// hits are logged at DEBUG to reduce noise.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}
