package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unpload/unpload/internal/apperr"
)

type stubUsers struct {
	disabled map[string]bool
	err      error
}

func (s *stubUsers) IsEnabled(ctx context.Context, userID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return !s.disabled[userID], nil
}

// recordingErrorWriter keeps the last error passed to it
type recordingErrorWriter struct {
	err error
}

func (rw *recordingErrorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	rw.err = err
	switch apperr.KindOf(err) {
	case apperr.KindForbidden:
		w.WriteHeader(http.StatusForbidden)
	case apperr.KindUnauthorized:
		w.WriteHeader(http.StatusUnauthorized)
	case apperr.KindIO:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func principalEcho(t *testing.T, seen **Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		require.True(t, ok)
		*seen = p
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticator_ValidToken(t *testing.T) {
	auth := NewAuthenticator("secret", &stubUsers{}, nil)
	token, err := auth.IssueToken("user-1", false, time.Hour)
	require.NoError(t, err)

	var seen *Principal
	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	auth.Middleware(principalEcho(t, &seen)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.UserID)
	assert.False(t, seen.Admin)
}

func TestAuthenticator_Rejections(t *testing.T) {
	auth := NewAuthenticator("secret", &stubUsers{disabled: map[string]bool{"blocked": true}}, nil)
	other := NewAuthenticator("other-secret", nil, nil)

	valid, err := auth.IssueToken("user-1", false, time.Hour)
	require.NoError(t, err)
	expired, err := auth.IssueToken("user-1", false, -time.Minute)
	require.NoError(t, err)
	foreign, err := other.IssueToken("user-1", false, time.Hour)
	require.NoError(t, err)
	blocked, err := auth.IssueToken("blocked", false, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing header", "", errMissingToken},
		{"wrong scheme", "Basic " + valid, errMissingToken},
		{"empty token", "Bearer  ", errMissingToken},
		{"expired", "Bearer " + expired, errInvalidToken},
		{"wrong secret", "Bearer " + foreign, errInvalidToken},
		{"garbage", "Bearer not.a.token", errInvalidToken},
		{"disabled account", "Bearer " + blocked, errAccountBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := &recordingErrorWriter{}
			a := NewAuthenticator("secret", auth.users, rw.write)

			req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			called := false
			a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			})).ServeHTTP(rec, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Same(t, tt.want, rw.err)
		})
	}
}

func TestAuthenticator_UserLookupFailure(t *testing.T) {
	rw := &recordingErrorWriter{}
	auth := NewAuthenticator("secret", &stubUsers{err: errors.New("db down")}, rw.write)
	token, err := auth.IssueToken("user-1", false, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	auth.Middleware(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(rw.err))
}

func TestAuthenticator_RequireAdmin(t *testing.T) {
	rw := &recordingErrorWriter{}
	auth := NewAuthenticator("secret", nil, rw.write)

	userToken, err := auth.IssueToken("user-1", false, time.Hour)
	require.NoError(t, err)
	adminToken, err := auth.IssueToken("admin-1", true, time.Hour)
	require.NoError(t, err)

	var seen *Principal
	handler := auth.Middleware(auth.RequireAdmin(principalEcho(t, &seen)))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Same(t, errAdminRequired, rw.err)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.True(t, seen.Admin)

	// RequireAdmin alone has no principal to inspect
	rec = httptest.NewRecorder()
	auth.RequireAdmin(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(60, 2)
	limiter.now = func() time.Time { return now }

	ok, _ := limiter.Allow("a")
	assert.True(t, ok)
	ok, _ = limiter.Allow("a")
	assert.True(t, ok)

	ok, wait := limiter.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	// Other clients have their own bucket
	ok, _ = limiter.Allow("b")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = limiter.Allow("a")
	assert.True(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(60, 0)
	limiter.now = func() time.Time { return now }

	limiter.Allow("a")
	now = now.Add(30 * time.Minute)
	limiter.Allow("b")
	now = now.Add(45 * time.Minute)

	assert.Equal(t, 1, limiter.Cleanup(time.Hour))
	assert.Len(t, limiter.buckets, 1)
	assert.Contains(t, limiter.buckets, "b")
}

func TestRateLimit_Middleware(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		PerMinute:    1,
		KeyExtractor: func(r *http.Request) string { return "fixed" },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/abc", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimit_Disabled(t *testing.T) {
	handler := RateLimit(RateLimitConfig{PerMinute: 0})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/abc", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestIPKeyExtractor(t *testing.T) {
	t.Run("direct client", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4455"
		req.Header.Set("X-Forwarded-For", "198.51.100.1")
		assert.Equal(t, "203.0.113.7", IPKeyExtractor(req))
	})

	t.Run("private proxy", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.5:80"
		req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.5")
		assert.Equal(t, "198.51.100.1", IPKeyExtractor(req))
	})

	t.Run("real ip header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "127.0.0.1:80"
		req.Header.Set("X-Real-IP", "198.51.100.9")
		assert.Equal(t, "198.51.100.9", IPKeyExtractor(req))
	})

	t.Run("configured proxy", func(t *testing.T) {
		TrustedProxies = []string{"203.0.113.0/24"}
		defer func() { TrustedProxies = nil }()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4455"
		req.Header.Set("X-Forwarded-For", "198.51.100.1")
		assert.Equal(t, "198.51.100.1", IPKeyExtractor(req))
	})
}

func TestMaintenance(t *testing.T) {
	enabled := true
	rw := &recordingErrorWriter{}
	handler := Maintenance(func() bool { return enabled }, rw.write)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, "/api/files", nil))
		assert.Equal(t, http.StatusOK, rec.Code, method)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/files", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, apperr.CodeMaintenance, apperr.CodeOf(rw.err))

	enabled = false
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/files/1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	incoming := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, incoming)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, incoming, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not a uuid")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "not a uuid", seen)

	assert.Empty(t, RequestIDFrom(context.Background()))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	handler := RequestID(Logging(logger, "/metrics")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/files", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	out := buf.String()
	assert.Contains(t, out, `"status":201`)
	assert.Contains(t, out, `"bytes":7`)
	assert.Contains(t, out, `"path":"/api/files"`)
	assert.Contains(t, out, `"request_id"`)

	buf.Reset()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Empty(t, buf.String(), "skipped paths log at debug level only")
}

func TestCORS(t *testing.T) {
	handler := CORS()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/files", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Share-Password")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
