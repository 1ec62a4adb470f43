package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/unpload/unpload/internal/activity"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/quota"
	"github.com/unpload/unpload/internal/settings"
	"github.com/unpload/unpload/internal/storage"
)

var errSettingNotFound = apperr.NotFound(apperr.CodeSettingNotFound, "setting not found")

// QuotaResponse is a quota row with human-readable sizes
type QuotaResponse struct {
	*quota.Quota
	AvailableBytes int64  `json:"availableBytes"`
	Max            string `json:"max"`
	Used           string `json:"used"`
}

func newQuotaResponse(q *quota.Quota) QuotaResponse {
	return QuotaResponse{
		Quota:          q,
		AvailableBytes: q.Available(),
		Max:            humanize.IBytes(uint64(q.MaxBytes)),
		Used:           humanize.IBytes(uint64(q.UsedBytes)),
	}
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.quotas.Get(r.Context(), s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newQuotaResponse(q))
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)
	query := r.URL.Query()

	filters := &activity.Filters{
		UserID:       p.UserID,
		Action:       query.Get("action"),
		ResourceType: query.Get("resourceType"),
	}
	if p.Admin && query.Get("userId") != "" {
		filters.UserID = query.Get("userId")
	}
	filters.Page, _ = strconv.Atoi(query.Get("page"))
	filters.PageSize, _ = strconv.Atoi(query.Get("pageSize"))

	entries, total, err := s.activity.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"total":    total,
		"page":     filters.Page,
		"pageSize": filters.PageSize,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.accounts.List(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		IsAdmin  bool   `json:"isAdmin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.accounts.Create(r.Context(), req.Username, req.IsAdmin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleSetUserEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, r, apperr.Validation("enabled is required"))
		return
	}

	userID := mux.Vars(r)["userId"]
	if err := s.accounts.SetEnabled(r.Context(), userID, *req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": userID, "enabled": *req.Enabled})
}

func (s *Server) handleGetUserQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.quotas.Get(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newQuotaResponse(q))
}

// setQuotaRequest accepts either an exact byte count or a human size such as "10GB"
type setQuotaRequest struct {
	MaxBytes *int64 `json:"maxBytes"`
	Max      string `json:"max"`
}

func (req setQuotaRequest) bytes() (int64, error) {
	if req.MaxBytes != nil {
		return *req.MaxBytes, nil
	}
	if req.Max == "" {
		return 0, apperr.Validation("maxBytes or max is required")
	}
	n, err := humanize.ParseBytes(req.Max)
	if err != nil {
		return 0, apperr.Validation("max is not a valid size")
	}
	return int64(n), nil
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	maxBytes, err := req.bytes()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	userID := mux.Vars(r)["userId"]
	if err := s.quotas.SetLimit(ctx, userID, maxBytes); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.quotas.Get(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newQuotaResponse(q))
}

func (s *Server) handleRecomputeQuota(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	used, err := s.quotas.Recompute(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ownerId": userID, "usedBytes": used})
}

func (s *Server) handleRecomputeAllQuotas(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	count, err := s.quotas.RecomputeAll(r.Context())
	s.metrics.RecordBackgroundTask("quota_recompute", time.Since(start), err == nil)
	if err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"recomputed": count})
}

// StorageInfoResponse adds human-readable sizes to the storage report
type StorageInfoResponse struct {
	*storage.StorageInfo
	TotalUsageHuman string `json:"totalUsageHuman"`
	DiskFreeHuman   string `json:"diskFreeHuman,omitempty"`
}

func (s *Server) handleStorageInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.usage.Info(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Storage(err))
		return
	}
	s.metrics.UpdateStorageUsage(info.TotalUsage)

	resp := StorageInfoResponse{
		StorageInfo:     info,
		TotalUsageHuman: humanize.IBytes(uint64(info.TotalUsage)),
	}
	if info.Disk != nil {
		resp.DiskFreeHuman = humanize.IBytes(info.Disk.Free)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePurgeExpired(w http.ResponseWriter, r *http.Request) {
	report, err := s.trash.PurgeExpired(r.Context(), time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	var (
		list []settings.Setting
		err  error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		list, err = s.settings.ListByCategory(category)
	} else {
		list, err = s.settings.ListAll()
	}
	if err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req settings.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key := mux.Vars(r)["key"]
	if err := s.settings.Set(key, req.Value); err != nil {
		if errors.Is(err, settings.ErrSettingNotFound) {
			err = errSettingNotFound
		}
		s.writeError(w, r, err)
		return
	}

	setting, err := s.settings.GetSetting(key)
	if err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handleReloadSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.Reload(); err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "settings reloaded"})
}
