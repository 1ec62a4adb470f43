package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unpload/unpload/internal/account"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/config"
	"github.com/unpload/unpload/internal/trash"
	"golang.org/x/crypto/bcrypt"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func testConfig(t *testing.T) *config.Config {
	dataDir := t.TempDir()
	return &config.Config{
		Listen:   "127.0.0.1:0",
		DataDir:  dataDir,
		LogLevel: "error",
		Storage: config.StorageConfig{
			Backend: "memory",
			TempDir: dataDir,
		},
		Quota:  config.QuotaConfig{Default: "1000B", DefaultBytes: 1000},
		Limits: config.LimitsConfig{MaxFileSize: "500B", MaxFileBytes: 500},
		Trash:  config.TrashConfig{RetentionDays: 30},
		Share: config.ShareConfig{
			SlugLength:          8,
			SlugAlphabet:        config.DefaultSlugAlphabet,
			CustomSlugMinLength: 4,
			BcryptCost:          bcrypt.MinCost,
		},
		Auth:    config.AuthConfig{JWTSecret: "test-jwt-secret"},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	logger.SetOutput(io.Discard)

	s, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createUser returns a user and a bearer token for it
func createUser(t *testing.T, s *Server, name string, admin bool) (*account.User, string) {
	user, err := s.Accounts().Create(context.Background(), name, admin)
	require.NoError(t, err)
	token, err := s.Authenticator().IssueToken(user.ID, admin, time.Hour)
	require.NoError(t, err)
	return user, token
}

func do(s *Server, method, path, token string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func doJSON(s *Server, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	}
	return do(s, method, path, token, body, http.Header{"Content-Type": {"application/json"}})
}

func upload(t *testing.T, s *Server, token, name string, content []byte, folderID string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if folderID != "" {
		require.NoError(t, mw.WriteField("folderId", folderID))
	}
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return do(s, http.MethodPost, "/api/files", token, &buf, http.Header{"Content-Type": {mw.FormDataContentType()}})
}

// uploadPart is one file of a batch upload. declared, when positive, is sent
// as the part's Content-Length.
type uploadPart struct {
	name     string
	content  []byte
	declared int64
}

func uploadMany(t *testing.T, s *Server, token string, parts ...uploadPart) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="files"; filename="`+p.name+`"`)
		header.Set("Content-Type", "application/octet-stream")
		if p.declared > 0 {
			header.Set("Content-Length", strconv.FormatInt(p.declared, 10))
		}
		w, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = w.Write(p.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	return do(s, http.MethodPost, "/api/files", token, &buf, http.Header{"Content-Type": {mw.FormDataContentType()}})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) envelope {
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if v != nil && env.Data != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	env := decode(t, rec, nil)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, code, env.Error.Code)
}

type fileBody struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	FolderID  *string `json:"folderId"`
	SizeBytes int64   `json:"sizeBytes"`
	Checksum  string  `json:"checksum"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := do(s, http.MethodGet, "/api/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	env := decode(t, rec, &body)
	assert.True(t, env.Success)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["backend"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	requireError(t, do(s, http.MethodGet, "/api/nope", "", nil, nil), http.StatusNotFound, apperr.CodeNotFound)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	requireError(t, do(s, http.MethodGet, "/api/files", "", nil, nil), http.StatusUnauthorized, apperr.CodeUnauthenticated)
	requireError(t, do(s, http.MethodGet, "/api/files", "garbage", nil, nil), http.StatusUnauthorized, apperr.CodeUnauthenticated)

	user, token := createUser(t, s, "alice", false)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/files", token, nil, nil).Code)

	require.NoError(t, s.Accounts().SetEnabled(context.Background(), user.ID, false))
	requireError(t, do(s, http.MethodGet, "/api/files", token, nil, nil), http.StatusUnauthorized, apperr.CodeUnauthenticated)
}

func TestUploadAndDownload(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)
	content := []byte("hello world")

	rec := upload(t, s, token, "greeting.txt", content, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var f fileBody
	decode(t, rec, &f)
	sum := sha256.Sum256(content)
	assert.Equal(t, "greeting.txt", f.Name)
	assert.Equal(t, int64(len(content)), f.SizeBytes)
	assert.Equal(t, hex.EncodeToString(sum[:]), f.Checksum)
	assert.NotContains(t, rec.Body.String(), "users/", "storage keys stay internal")

	var files []fileBody
	decode(t, do(s, http.MethodGet, "/api/files", token, nil, nil), &files)
	require.Len(t, files, 1)

	rec = do(s, http.MethodGet, "/api/files/"+f.ID+"/download", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, f.Checksum, rec.Header().Get("X-Checksum-Sha256"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=greeting.txt`)

	rec = do(s, http.MethodGet, "/api/files/"+f.ID+"/download", token, nil, http.Header{"Range": {"bytes=0-4"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	var q QuotaResponse
	decode(t, do(s, http.MethodGet, "/api/quota", token, nil, nil), &q)
	assert.Equal(t, int64(len(content)), q.UsedBytes)
	assert.Equal(t, int64(1000-len(content)), q.AvailableBytes)
}

func TestUploadRejections(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	rec := do(s, http.MethodPost, "/api/files", token, strings.NewReader("{}"), http.Header{"Content-Type": {"application/json"}})
	requireError(t, rec, http.StatusBadRequest, apperr.CodeValidation)

	requireError(t, upload(t, s, token, "big.bin", make([]byte, 600), ""), http.StatusBadRequest, apperr.CodeFileTooLarge)

	require.Equal(t, http.StatusCreated, upload(t, s, token, "a.bin", make([]byte, 400), "").Code)
	require.Equal(t, http.StatusCreated, upload(t, s, token, "b.bin", make([]byte, 400), "").Code)
	requireError(t, upload(t, s, token, "c.bin", make([]byte, 400), ""), http.StatusRequestEntityTooLarge, apperr.CodeQuotaExceeded)

	requireError(t, upload(t, s, token, "d.bin", []byte("x"), "no-such-folder"), http.StatusNotFound, apperr.CodeFolderNotFound)
}

type batchBody struct {
	Files    []fileBody `json:"files"`
	Failures []struct {
		Name  string   `json:"name"`
		Error APIError `json:"error"`
	} `json:"failures"`
}

func TestUploadBatch(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	rec := uploadMany(t, s, token,
		uploadPart{name: "one.txt", content: []byte("one")},
		uploadPart{name: "two.txt", content: []byte("two!")},
	)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var batch batchBody
	decode(t, rec, &batch)
	require.Len(t, batch.Files, 2)
	assert.Equal(t, "one.txt", batch.Files[0].Name)
	assert.Equal(t, "two.txt", batch.Files[1].Name)
	assert.Empty(t, batch.Failures)

	var files []fileBody
	decode(t, do(s, http.MethodGet, "/api/files", token, nil, nil), &files)
	assert.Len(t, files, 2)

	// Each file is its own upload: the oversized one fails, the others land
	rec = uploadMany(t, s, token,
		uploadPart{name: "ok.txt", content: []byte("ok")},
		uploadPart{name: "big.bin", content: make([]byte, 600)},
		uploadPart{name: "also-ok.txt", content: []byte("fine")},
	)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch = batchBody{}
	decode(t, rec, &batch)
	require.Len(t, batch.Files, 2)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, "big.bin", batch.Failures[0].Name)
	assert.Equal(t, apperr.CodeFileTooLarge, batch.Failures[0].Error.Code)

	var q QuotaResponse
	decode(t, do(s, http.MethodGet, "/api/quota", token, nil, nil), &q)
	assert.Equal(t, int64(3+4+2+4), q.UsedBytes)

	// Every file failing answers with the first error and lists them all
	rec = uploadMany(t, s, token,
		uploadPart{name: "x.bin", content: make([]byte, 600)},
		uploadPart{name: "y.bin", content: make([]byte, 700)},
	)
	requireError(t, rec, http.StatusBadRequest, apperr.CodeFileTooLarge)
	assert.Contains(t, rec.Body.String(), `"name":"y.bin"`)
}

func TestUploadBatch_FileLimit(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	parts := make([]uploadPart, maxUploadFiles+1)
	for i := range parts {
		parts[i] = uploadPart{name: "f" + strconv.Itoa(i) + ".txt", content: []byte("x")}
	}
	rec := uploadMany(t, s, token, parts...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var batch batchBody
	decode(t, rec, &batch)
	assert.Len(t, batch.Files, maxUploadFiles)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, "f10.txt", batch.Failures[0].Name)
	assert.Equal(t, apperr.CodeValidation, batch.Failures[0].Error.Code)
}

func TestUpload_DeclaredSizeRejectedEarly(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	// The declared sizes decide; the few bytes actually sent would fit
	requireError(t, uploadMany(t, s, token, uploadPart{name: "a.bin", content: []byte("tiny"), declared: 999}),
		http.StatusBadRequest, apperr.CodeFileTooLarge)

	require.Equal(t, http.StatusCreated, upload(t, s, token, "a.bin", make([]byte, 400), "").Code)
	require.Equal(t, http.StatusCreated, upload(t, s, token, "b.bin", make([]byte, 400), "").Code)
	requireError(t, uploadMany(t, s, token, uploadPart{name: "c.bin", content: []byte("tiny"), declared: 300}),
		http.StatusRequestEntityTooLarge, apperr.CodeQuotaExceeded)

	rec := uploadMany(t, s, token, uploadPart{name: "d.bin", content: []byte("tiny"), declared: 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestOtherOwnerIsForbidden(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, alice := createUser(t, s, "alice", false)
	_, bob := createUser(t, s, "bob", false)

	var f fileBody
	decode(t, upload(t, s, alice, "secret.txt", []byte("secret"), ""), &f)

	requireError(t, do(s, http.MethodGet, "/api/files/"+f.ID, bob, nil, nil), http.StatusForbidden, apperr.CodeAccessDenied)
	requireError(t, do(s, http.MethodGet, "/api/files/"+f.ID+"/download", bob, nil, nil), http.StatusForbidden, apperr.CodeAccessDenied)
	requireError(t, do(s, http.MethodDelete, "/api/files/"+f.ID, bob, nil, nil), http.StatusForbidden, apperr.CodeAccessDenied)
}

func TestFoldersAndMoves(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	rec := doJSON(s, http.MethodPost, "/api/folders", token, map[string]string{"name": "docs"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var folder struct {
		ID string `json:"id"`
	}
	decode(t, rec, &folder)

	var f fileBody
	decode(t, upload(t, s, token, "a.txt", []byte("a"), folder.ID), &f)
	require.NotNil(t, f.FolderID)
	assert.Equal(t, folder.ID, *f.FolderID)

	var files []fileBody
	decode(t, do(s, http.MethodGet, "/api/files?folderId="+folder.ID, token, nil, nil), &files)
	assert.Len(t, files, 1)
	decode(t, do(s, http.MethodGet, "/api/files", token, nil, nil), &files)
	assert.Len(t, files, 0)

	rec = do(s, http.MethodPatch, "/api/files/"+f.ID, token, strings.NewReader(`{"name":"b.txt","folderId":null}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &f)
	assert.Equal(t, "b.txt", f.Name)
	assert.Nil(t, f.FolderID)

	requireError(t, do(s, http.MethodPatch, "/api/files/"+f.ID, token, strings.NewReader(`{}`), nil), http.StatusBadRequest, apperr.CodeValidation)

	rec = doJSON(s, http.MethodPatch, "/api/folders/"+folder.ID, token, map[string]string{"parentId": folder.ID})
	requireError(t, rec, http.StatusBadRequest, apperr.CodeValidation)
}

func TestTrashFlow(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	var f fileBody
	decode(t, upload(t, s, token, "a.txt", []byte("0123456789"), ""), &f)

	require.Equal(t, http.StatusOK, do(s, http.MethodDelete, "/api/files/"+f.ID, token, nil, nil).Code)
	requireError(t, do(s, http.MethodGet, "/api/files/"+f.ID, token, nil, nil), http.StatusNotFound, apperr.CodeFileNotFound)

	var items []trash.Item
	decode(t, do(s, http.MethodGet, "/api/trash", token, nil, nil), &items)
	require.Len(t, items, 1)
	assert.Equal(t, trash.KindFile, items[0].Kind)

	rec := do(s, http.MethodPost, "/api/trash/"+f.ID+"/restore", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/files/"+f.ID, token, nil, nil).Code)

	require.Equal(t, http.StatusOK, do(s, http.MethodDelete, "/api/files/"+f.ID, token, nil, nil).Code)
	rec = do(s, http.MethodDelete, "/api/trash/"+f.ID, token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report trash.PurgeReport
	decode(t, rec, &report)
	assert.Equal(t, 1, report.PurgedFiles)
	assert.Equal(t, int64(10), report.FreedBytes)

	var q QuotaResponse
	decode(t, do(s, http.MethodGet, "/api/quota", token, nil, nil), &q)
	assert.Equal(t, int64(0), q.UsedBytes)

	requireError(t, do(s, http.MethodPost, "/api/trash/"+f.ID+"/restore", token, nil, nil), http.StatusNotFound, apperr.CodeFileNotFound)
}

func TestShareFlow(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	var f fileBody
	decode(t, upload(t, s, token, "report.pdf", []byte("%PDF-1.4 body"), ""), &f)

	rec := doJSON(s, http.MethodPost, "/api/shares", token, map[string]interface{}{
		"fileId":       f.ID,
		"password":     "pw",
		"maxDownloads": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "$2a$", "password hash never leaves the server")

	var sh struct {
		ID          string `json:"id"`
		Slug        string `json:"slug"`
		HasPassword bool   `json:"hasPassword"`
	}
	decode(t, rec, &sh)
	assert.True(t, sh.HasPassword)

	base := "/api/s/" + sh.Slug
	requireError(t, do(s, http.MethodGet, base, "", nil, nil), http.StatusUnauthorized, apperr.CodeSharePasswordRequired)
	requireError(t, do(s, http.MethodGet, base+"?password=nope", "", nil, nil), http.StatusUnauthorized, apperr.CodeSharePasswordInvalid)

	rec = do(s, http.MethodGet, base, "", nil, http.Header{SharePasswordHeader: {"pw"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary struct {
		Name      string `json:"name"`
		ViewCount int64  `json:"viewCount"`
	}
	decode(t, rec, &summary)
	assert.Equal(t, "report.pdf", summary.Name)
	assert.Equal(t, int64(1), summary.ViewCount)

	var verified map[string]bool
	decode(t, doJSON(s, http.MethodPost, base+"/verify", "", map[string]string{"password": "pw"}), &verified)
	assert.True(t, verified["valid"])
	decode(t, doJSON(s, http.MethodPost, base+"/verify", "", map[string]string{"password": "bad"}), &verified)
	assert.False(t, verified["valid"])

	rec = do(s, http.MethodGet, base+"/download", "", nil, http.Header{SharePasswordHeader: {"pw"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "%PDF-1.4 body", rec.Body.String())

	requireError(t, do(s, http.MethodGet, base+"/download", "", nil, http.Header{SharePasswordHeader: {"pw"}}),
		http.StatusForbidden, apperr.CodeShareDownloadLimit)

	requireError(t, do(s, http.MethodGet, "/api/s/unknown-slug", "", nil, nil), http.StatusNotFound, apperr.CodeShareNotFound)

	rec = doJSON(s, http.MethodPatch, "/api/shares/"+sh.ID, token, map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	requireError(t, do(s, http.MethodGet, base, "", nil, http.Header{SharePasswordHeader: {"pw"}}), http.StatusForbidden, apperr.CodeShareDisabled)

	require.Equal(t, http.StatusOK, do(s, http.MethodDelete, "/api/shares/"+sh.ID, token, nil, nil).Code)
	requireError(t, do(s, http.MethodGet, base, "", nil, nil), http.StatusNotFound, apperr.CodeShareNotFound)
}

func TestShareDownload_IgnoresConditionalAndRangeHeaders(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, token := createUser(t, s, "alice", false)

	var f fileBody
	decode(t, upload(t, s, token, "photo.jpg", []byte("0123456789"), ""), &f)

	share := func() string {
		rec := doJSON(s, http.MethodPost, "/api/shares", token, map[string]interface{}{"fileId": f.ID, "maxDownloads": 1})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var sh struct {
			Slug string `json:"slug"`
		}
		decode(t, rec, &sh)
		return "/api/s/" + sh.Slug + "/download"
	}

	future := time.Now().Add(24 * time.Hour).UTC().Format(http.TimeFormat)
	headers := []http.Header{
		{"If-Modified-Since": {future}},
		{"If-None-Match": {"*"}},
		{"Range": {"bytes=500-600"}},
		{"Range": {"bytes=0-1"}},
	}
	for _, h := range headers {
		path := share()
		rec := do(s, http.MethodGet, path, "", nil, h)
		require.Equal(t, http.StatusOK, rec.Code, "headers %v", h)
		assert.Equal(t, "0123456789", rec.Body.String(), "headers %v", h)
		assert.Equal(t, "10", rec.Header().Get("Content-Length"))

		requireError(t, do(s, http.MethodGet, path, "", nil, nil), http.StatusForbidden, apperr.CodeShareDownloadLimit)
	}
}

func TestPreview(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, alice := createUser(t, s, "alice", false)
	_, bob := createUser(t, s, "bob", false)

	var f fileBody
	decode(t, upload(t, s, alice, "chart.png", []byte("\x89PNG fake"), ""), &f)

	rec := do(s, http.MethodGet, "/api/files/"+f.ID+"/preview", alice, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\x89PNG fake", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline;"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "filename=chart.png")

	rec = do(s, http.MethodGet, "/api/files/"+f.ID+"/download", alice, nil, nil)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment;"))

	requireError(t, do(s, http.MethodGet, "/api/files/"+f.ID+"/preview", bob, nil, nil), http.StatusForbidden, apperr.CodeAccessDenied)
}

func TestShareRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Share.AccessRatePerMinute = 1
	s := newTestServer(t, cfg)

	requireError(t, do(s, http.MethodGet, "/api/s/unknown-slug", "", nil, nil), http.StatusNotFound, apperr.CodeShareNotFound)
	rec := do(s, http.MethodGet, "/api/s/unknown-slug", "", nil, nil)
	requireError(t, rec, http.StatusTooManyRequests, apperr.CodeRateLimited)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	alice, userToken := createUser(t, s, "alice", false)
	_, adminToken := createUser(t, s, "root", true)

	requireError(t, do(s, http.MethodGet, "/api/admin/storage", userToken, nil, nil), http.StatusForbidden, apperr.CodeAccessDenied)

	upload(t, s, userToken, "a.txt", []byte("abc"), "")

	rec := do(s, http.MethodGet, "/api/admin/storage", adminToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info StorageInfoResponse
	decode(t, rec, &info)
	assert.Equal(t, "memory", info.Backend)
	assert.Equal(t, int64(3), info.TotalUsage)
	assert.Equal(t, "3 B", info.TotalUsageHuman)

	rec = doJSON(s, http.MethodPut, "/api/admin/quotas/"+alice.ID, adminToken, map[string]string{"max": "2KB"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var q QuotaResponse
	decode(t, rec, &q)
	assert.Equal(t, int64(2000), q.MaxBytes)
	assert.Equal(t, int64(3), q.UsedBytes)

	requireError(t, doJSON(s, http.MethodPut, "/api/admin/quotas/unknown", adminToken, map[string]int{"maxBytes": 10}),
		http.StatusNotFound, apperr.CodeQuotaNotFound)

	rec = do(s, http.MethodPost, "/api/admin/quotas/"+alice.ID+"/recompute", adminToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var recomputed map[string]int
	decode(t, do(s, http.MethodPost, "/api/admin/quotas/recompute", adminToken, nil, nil), &recomputed)
	assert.Equal(t, 2, recomputed["recomputed"])

	var users []account.User
	decode(t, do(s, http.MethodGet, "/api/admin/users", adminToken, nil, nil), &users)
	assert.Len(t, users, 2)
}

func TestMaintenanceMode(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	_, userToken := createUser(t, s, "alice", false)
	_, adminToken := createUser(t, s, "root", true)

	rec := doJSON(s, http.MethodPut, "/api/admin/settings/general.maintenance_mode", adminToken, map[string]string{"value": "true"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	requireError(t, doJSON(s, http.MethodPost, "/api/folders", userToken, map[string]string{"name": "x"}),
		http.StatusServiceUnavailable, apperr.CodeMaintenance)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/files", userToken, nil, nil).Code)

	rec = doJSON(s, http.MethodPut, "/api/admin/settings/general.maintenance_mode", adminToken, map[string]string{"value": "false"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusCreated, doJSON(s, http.MethodPost, "/api/folders", userToken, map[string]string{"name": "x"}).Code)

	requireError(t, doJSON(s, http.MethodPut, "/api/admin/settings/no.such.key", adminToken, map[string]string{"value": "1"}),
		http.StatusNotFound, apperr.CodeSettingNotFound)
	requireError(t, doJSON(s, http.MethodPut, "/api/admin/settings/general.maintenance_mode", adminToken, map[string]string{"value": "maybe"}),
		http.StatusBadRequest, apperr.CodeValidation)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	do(s, http.MethodGet, "/api/health", "", nil, nil)

	rec := do(s, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unpload_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindForbidden, http.StatusForbidden},
		{apperr.KindUnauthorized, http.StatusUnauthorized},
		{apperr.KindQuotaExceeded, http.StatusRequestEntityTooLarge},
		{apperr.KindIO, http.StatusServiceUnavailable},
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindRateLimited, http.StatusTooManyRequests},
		{apperr.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.kind), string(tt.kind))
	}
}

func TestWriteErrorHidesCauses(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	req := httptest.NewRequest(http.MethodGet, "/api/files/x/download", nil)

	t.Run("storage failure", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.writeError(rec, req, apperr.Storage(errors.New("open /data/objects/users/u1/f1: permission denied")))
		requireError(t, rec, http.StatusServiceUnavailable, apperr.CodeStorage)
		assert.NotContains(t, rec.Body.String(), "users/u1")
	})

	t.Run("untyped error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.writeError(rec, req, errors.New("sql: database is locked"))
		requireError(t, rec, http.StatusInternalServerError, apperr.CodeInternal)
		assert.NotContains(t, rec.Body.String(), "locked")
	})

	t.Run("partial purge", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.writeError(rec, req, &trash.PurgeError{Report: &trash.PurgeReport{
			PurgedFiles: 2,
			Failures: []trash.PurgeFailure{
				{ID: "f1", Kind: trash.KindFile, Err: errors.New("delete users/u1/f1: timeout")},
			},
		}})
		requireError(t, rec, http.StatusServiceUnavailable, apperr.CodePurgeIncomplete)
		assert.Contains(t, rec.Body.String(), `"purgedFiles":2`)
		assert.Contains(t, rec.Body.String(), `"id":"f1"`)
		assert.NotContains(t, rec.Body.String(), "timeout")
	})
}
