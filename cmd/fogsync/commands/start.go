package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fogsync/fogsync/internal/api/auth"
	"github.com/fogsync/fogsync/internal/api/handlers"
	"github.com/fogsync/fogsync/internal/logger"
	"github.com/fogsync/fogsync/pkg/archive"
	"github.com/fogsync/fogsync/pkg/config"
	"github.com/fogsync/fogsync/pkg/fetcher"
	"github.com/fogsync/fogsync/pkg/filestore"
	"github.com/fogsync/fogsync/pkg/mapengine"
	"github.com/fogsync/fogsync/pkg/metrics"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/scheduler"
	"github.com/fogsync/fogsync/pkg/server"
	"github.com/fogsync/fogsync/pkg/snapshot"
	"github.com/fogsync/fogsync/pkg/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fogsync server",
	Long: `Start the API server and the background sync worker.

Configuration comes from the environment (FOGSYNC_*) and an optional
YAML config file.

Examples:
  # Environment-only configuration
  FOGSYNC_AUTH_SINGLE_USER_MODE=true fogsync start

  # With a config file
  fogsync start --config /etc/fogsync/config.yaml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level}); err != nil {
		return err
	}

	st, err := store.New(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	files, err := filestore.New(cfg.Data.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing file store: %w", err)
	}

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" && cfg.Auth.SingleUserMode {
		// ephemeral secret; single-user mode never issues real tokens
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		jwtSecret = hex.EncodeToString(buf)
	}
	jwtService, err := auth.NewJWTService(jwtSecret, cfg.Auth.SingleUserMode)
	if err != nil {
		return err
	}

	var sso handlers.IdentityExchanger
	if cfg.Github.ClientID != "" {
		sso = handlers.NewGitHubSSO(cfg.Github.ClientID, cfg.Github.ClientSecret)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	service := snapshot.NewService(st, files)
	service.Metrics = m

	exporter := &archive.Exporter{
		Source:  st,
		Builder: service,
		Engine:  mapengine.New(),
		TempDir: os.TempDir(),
	}

	sched := scheduler.New(st, func(source models.Source) scheduler.SourceFetcher {
		return fetcher.New(source.ShareURL, files)
	})
	sched.Metrics = m

	router := server.NewRouter(server.Deps{
		Store:    st,
		JWT:      jwtService,
		SSO:      sso,
		Service:  service,
		Exporter: exporter,
		ValidateSource: func(ctx context.Context, source models.Source) error {
			return fetcher.New(source.ShareURL, files).Validate(ctx)
		},
		Metrics:        m,
		Registry:       registry,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TempDir:        os.TempDir(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	logger.Info("fogsync starting", "version", Version, "listen", cfg.Listen,
		"single_user_mode", cfg.Auth.SingleUserMode)
	return server.NewServer(cfg.Listen, router).Start(ctx)
}
