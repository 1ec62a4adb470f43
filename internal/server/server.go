package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/account"
	"github.com/unpload/unpload/internal/activity"
	"github.com/unpload/unpload/internal/config"
	"github.com/unpload/unpload/internal/db"
	"github.com/unpload/unpload/internal/file"
	"github.com/unpload/unpload/internal/lifecycle"
	"github.com/unpload/unpload/internal/metrics"
	"github.com/unpload/unpload/internal/middleware"
	"github.com/unpload/unpload/internal/quota"
	"github.com/unpload/unpload/internal/settings"
	"github.com/unpload/unpload/internal/share"
	"github.com/unpload/unpload/internal/storage"
	"github.com/unpload/unpload/internal/trash"
)

// Server represents the UnPload server
type Server struct {
	config     *config.Config
	logger     *logrus.Logger
	httpServer *http.Server
	handler    http.Handler

	db             *sql.DB
	storageBackend storage.Backend
	usage          *storage.UsageReporter
	settings       *settings.Manager
	accounts       *account.Manager
	quotas         *quota.Ledger
	files          *file.Manager
	trash          *trash.Manager
	shares         *share.Manager
	activity       *activity.Manager
	metrics        metrics.Manager
	auth           *middleware.Authenticator
	sweeper        *lifecycle.Worker

	startTime time.Time
}

// New wires every component. The storage backend is chosen here, once, from
// configuration.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	metricsManager := metrics.NewManager(cfg.Metrics)

	backend, err := storage.NewBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}
	if p, ok := backend.(storage.Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("storage backend unreachable: %w", err)
		}
	}
	backend = storage.Observe(backend, metricsManager.RecordStorageOperation)

	conn, err := db.OpenInDir(cfg.DataDir, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}

	settingsManager, err := settings.NewManager(conn, logger, settings.Defaults{
		DefaultQuotaBytes: cfg.Quota.DefaultBytes,
		MaxFileBytes:      cfg.Limits.MaxFileBytes,
	})
	if err != nil {
		conn.Close()
		backend.Close()
		return nil, fmt.Errorf("failed to create settings manager: %w", err)
	}
	if err := settingsManager.Load(); err != nil {
		conn.Close()
		backend.Close()
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	activityManager := activity.NewManager(activity.NewSQLiteStore(conn, logger), logger)
	quotaLedger := quota.NewLedger(conn, logger)
	accounts := account.NewManager(conn, logger, func() int64 {
		return settingsManager.Int64Or(settings.KeyDefaultQuota, cfg.Quota.DefaultBytes)
	})

	fileManager := file.NewManager(file.NewStore(conn), backend, quotaLedger, file.Options{
		TempDir:   cfg.Storage.TempDir,
		Retention: cfg.Trash.Retention(),
		MaxFileSize: func() int64 {
			return settingsManager.Int64Or(settings.KeyMaxFileSize, cfg.Limits.MaxFileBytes)
		},
		Activity: activityManager,
		Metrics:  metricsManager,
	}, logger)

	trashManager := trash.NewManager(fileManager, backend, activityManager, metricsManager, logger)

	shareManager := share.NewManager(share.NewStore(conn), fileManager, accounts, share.Options{
		Config:   cfg.Share,
		Activity: activityManager,
		Metrics:  metricsManager,
	}, logger)

	sweeper := lifecycle.NewWorker(trashManager, activityManager, func() int {
		return int(settingsManager.Int64Or(settings.KeyActivityRetentionDays, 0))
	}, metricsManager)

	s := &Server{
		config:         cfg,
		logger:         logger,
		db:             conn,
		storageBackend: backend,
		usage:          storage.NewUsageReporter(backend, cfg.Storage.Backend, cfg.Storage.UsageCacheTTL),
		settings:       settingsManager,
		accounts:       accounts,
		quotas:         quotaLedger,
		files:          fileManager,
		trash:          trashManager,
		shares:         shareManager,
		activity:       activityManager,
		metrics:        metricsManager,
		sweeper:        sweeper,
		startTime:      time.Now(),
	}
	s.auth = middleware.NewAuthenticator(cfg.Auth.JWTSecret, accounts, s.writeError)
	s.handler = s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Accounts returns the user manager
func (s *Server) Accounts() *account.Manager {
	return s.accounts
}

// Quotas returns the quota ledger
func (s *Server) Quotas() *quota.Ledger {
	return s.quotas
}

// Usage returns the storage usage reporter
func (s *Server) Usage() *storage.UsageReporter {
	return s.usage
}

// Authenticator returns the bearer token verifier, which also issues tokens
func (s *Server) Authenticator() *middleware.Authenticator {
	return s.auth
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
		"backend":  s.config.Storage.Backend,
	}).Info("Starting UnPload server")

	if s.config.Trash.SweepInterval > 0 {
		s.sweeper.Start(ctx, s.config.Trash.SweepInterval)
	} else {
		s.logger.Info("Trash sweeper disabled, expired items are kept until purged explicitly")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.logger.WithError(err).Error("HTTP server error")
			s.shutdown()
			return err
		}
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	s.sweeper.Stop()

	return s.Close()
}

// Close releases the database and the storage backend
func (s *Server) Close() error {
	var firstErr error
	if err := s.storageBackend.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close storage backend")
		firstErr = err
	}
	if err := s.db.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close database")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
