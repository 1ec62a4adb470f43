package server

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/unpload/unpload/internal/middleware"
	"github.com/unpload/unpload/internal/settings"
)

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errRouteNotFound)
	})
	router.Use(s.metrics.Middleware())

	maintenance := middleware.Maintenance(func() bool {
		return s.settings.BoolOr(settings.KeyMaintenanceMode, false)
	}, s.writeError)
	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		PerMinute: s.config.Share.AccessRatePerMinute,
		OnRateLimitExceeded: func(w http.ResponseWriter, r *http.Request) {
			s.writeError(w, r, errRateLimited)
		},
	})

	// Anonymous share visitors
	public := func(h http.HandlerFunc) http.Handler {
		return rateLimit(maintenance(h))
	}
	// Authenticated owners
	user := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(maintenance(h))
	}
	// Administrators are not blocked by maintenance mode so they can turn it off
	admin := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(s.auth.RequireAdmin(h))
	}

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	// Files
	router.Handle("/api/files", user(s.handleUploadFile)).Methods(http.MethodPost)
	router.Handle("/api/files", user(s.handleListFiles)).Methods(http.MethodGet)
	router.Handle("/api/files/{id}", user(s.handleGetFile)).Methods(http.MethodGet)
	router.Handle("/api/files/{id}/download", user(s.handleDownloadFile)).Methods(http.MethodGet)
	router.Handle("/api/files/{id}/preview", user(s.handlePreviewFile)).Methods(http.MethodGet)
	router.Handle("/api/files/{id}", user(s.handleUpdateFile)).Methods(http.MethodPatch)
	router.Handle("/api/files/{id}", user(s.handleDeleteFile)).Methods(http.MethodDelete)

	// Folders
	router.Handle("/api/folders", user(s.handleCreateFolder)).Methods(http.MethodPost)
	router.Handle("/api/folders", user(s.handleListFolders)).Methods(http.MethodGet)
	router.Handle("/api/folders/{id}", user(s.handleGetFolder)).Methods(http.MethodGet)
	router.Handle("/api/folders/{id}", user(s.handleUpdateFolder)).Methods(http.MethodPatch)
	router.Handle("/api/folders/{id}", user(s.handleDeleteFolder)).Methods(http.MethodDelete)

	// Trash
	router.Handle("/api/trash", user(s.handleListTrash)).Methods(http.MethodGet)
	router.Handle("/api/trash", user(s.handleEmptyTrash)).Methods(http.MethodDelete)
	router.Handle("/api/trash/{id}/restore", user(s.handleRestoreTrashItem)).Methods(http.MethodPost)
	router.Handle("/api/trash/{id}", user(s.handlePurgeTrashItem)).Methods(http.MethodDelete)

	// Shares managed by their owner
	router.Handle("/api/shares", user(s.handleCreateShare)).Methods(http.MethodPost)
	router.Handle("/api/shares", user(s.handleListShares)).Methods(http.MethodGet)
	router.Handle("/api/shares/{id}", user(s.handleGetShare)).Methods(http.MethodGet)
	router.Handle("/api/shares/{id}", user(s.handleUpdateShare)).Methods(http.MethodPatch)
	router.Handle("/api/shares/{id}", user(s.handleDeleteShare)).Methods(http.MethodDelete)

	// Public share access
	router.Handle("/api/s/{slug}", public(s.handleShareAccess)).Methods(http.MethodGet)
	router.Handle("/api/s/{slug}/verify", public(s.handleShareVerify)).Methods(http.MethodPost)
	router.Handle("/api/s/{slug}/download", public(s.handleShareDownload)).Methods(http.MethodGet)

	router.Handle("/api/quota", user(s.handleGetQuota)).Methods(http.MethodGet)
	router.Handle("/api/activity", user(s.handleListActivity)).Methods(http.MethodGet)

	// Administration
	router.Handle("/api/admin/users", admin(s.handleListUsers)).Methods(http.MethodGet)
	router.Handle("/api/admin/users", admin(s.handleCreateUser)).Methods(http.MethodPost)
	router.Handle("/api/admin/users/{userId}/enabled", admin(s.handleSetUserEnabled)).Methods(http.MethodPut)
	router.Handle("/api/admin/quotas/recompute", admin(s.handleRecomputeAllQuotas)).Methods(http.MethodPost)
	router.Handle("/api/admin/quotas/{userId}", admin(s.handleGetUserQuota)).Methods(http.MethodGet)
	router.Handle("/api/admin/quotas/{userId}", admin(s.handleSetQuota)).Methods(http.MethodPut)
	router.Handle("/api/admin/quotas/{userId}/recompute", admin(s.handleRecomputeQuota)).Methods(http.MethodPost)
	router.Handle("/api/admin/storage", admin(s.handleStorageInfo)).Methods(http.MethodGet)
	router.Handle("/api/admin/trash/purge-expired", admin(s.handlePurgeExpired)).Methods(http.MethodPost)
	router.Handle("/api/admin/settings", admin(s.handleListSettings)).Methods(http.MethodGet)
	router.Handle("/api/admin/settings/reload", admin(s.handleReloadSettings)).Methods(http.MethodPost)
	router.Handle("/api/admin/settings/{key}", admin(s.handleUpdateSetting)).Methods(http.MethodPut)

	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.metrics.GetMetricsHandler()).Methods(http.MethodGet)
	}

	// CORS sits outside the router so preflight requests never reach route matching
	var handler http.Handler = router
	handler = middleware.CORS()(handler)
	handler = middleware.Logging(s.logger, s.config.Metrics.Path, "/api/health")(handler)
	handler = middleware.RequestID(handler)
	handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(false),
	)(handler)

	return handler
}
