package share

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unpload/unpload/internal/account"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/config"
	"github.com/unpload/unpload/internal/db"
	"github.com/unpload/unpload/internal/file"
	"github.com/unpload/unpload/internal/quota"
	"github.com/unpload/unpload/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	conn     *sql.DB
	files    *file.Manager
	shares   *Manager
	accounts *account.Manager
	owner    string
}

func newTestEnv(t *testing.T) *testEnv {
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	files := file.NewManager(file.NewStore(conn), storage.NewMemoryBackend(), quota.NewLedger(conn, nil), file.Options{
		TempDir:   t.TempDir(),
		Retention: 30 * 24 * time.Hour,
	}, nil)
	accounts := account.NewManager(conn, nil, func() int64 { return 1 << 20 })

	user, err := accounts.Create(context.Background(), "alice", false)
	require.NoError(t, err)

	shares := NewManager(NewStore(conn), files, accounts, Options{
		Config: config.ShareConfig{
			SlugLength:          8,
			SlugAlphabet:        config.DefaultSlugAlphabet,
			CustomSlugMinLength: 4,
			BcryptCost:          bcrypt.MinCost,
		},
	}, nil)

	return &testEnv{conn: conn, files: files, shares: shares, accounts: accounts, owner: user.ID}
}

func (e *testEnv) upload(t *testing.T, content string) *file.File {
	f, err := e.files.Upload(context.Background(), file.UploadInput{
		OwnerID:      e.owner,
		OriginalName: "shared.txt",
		Data:         strings.NewReader(content),
	})
	require.NoError(t, err)
	return f
}

func (e *testEnv) shareFile(t *testing.T, req CreateRequest) *Share {
	sh, err := e.shares.Create(context.Background(), e.owner, req)
	require.NoError(t, err)
	return sh
}

func int64Ptr(n int64) *int64 { return &n }

func readAll(t *testing.T, obj storage.Object) string {
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	return string(data)
}

func TestCreate_GeneratesSlug(t *testing.T) {
	env := newTestEnv(t)
	f := env.upload(t, "data")

	sh := env.shareFile(t, CreateRequest{FileID: &f.ID})
	assert.Len(t, sh.Slug, 8)
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, sh.Slug)
	assert.Equal(t, VisibilityPublic, sh.Visibility)
	assert.True(t, sh.Enabled)
	assert.False(t, sh.HasPassword)
	assert.Equal(t, TargetFile, sh.TargetKind())
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	f := env.upload(t, "data")
	folder, err := env.files.CreateFolder(context.Background(), env.owner, nil, "dir")
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)

	cases := map[string]CreateRequest{
		"no target":      {},
		"both targets":   {FileID: &f.ID, FolderID: &folder.ID},
		"zero downloads": {FileID: &f.ID, MaxDownloads: int64Ptr(0)},
		"expired":        {FileID: &f.ID, ExpiresAt: &past},
		"short slug":     {FileID: &f.ID, Slug: "abc"},
		"bad slug":       {FileID: &f.ID, Slug: "has space"},
		"bad visibility": {FileID: &f.ID, Visibility: "SECRET"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.shares.Create(context.Background(), env.owner, req)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestCreate_CustomSlugTaken(t *testing.T) {
	env := newTestEnv(t)
	f := env.upload(t, "data")

	env.shareFile(t, CreateRequest{FileID: &f.ID, Slug: "holiday"})
	_, err := env.shares.Create(context.Background(), env.owner, CreateRequest{FileID: &f.ID, Slug: "holiday"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "taken")
}

func TestCreate_TargetMustBeOwnedAndLive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "data")

	bob, err := env.accounts.Create(ctx, "bob", false)
	require.NoError(t, err)
	_, err = env.shares.Create(ctx, bob.ID, CreateRequest{FileID: &f.ID})
	assert.ErrorIs(t, err, file.ErrFileNotFound)

	require.NoError(t, env.files.Delete(ctx, f.ID, env.owner))
	_, err = env.shares.Create(ctx, env.owner, CreateRequest{FileID: &f.ID})
	assert.ErrorIs(t, err, file.ErrFileNotFound)
}

func TestDownload_MaxDownloadsOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "once only")
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID, MaxDownloads: int64Ptr(1)})

	obj, got, err := env.shares.Download(ctx, sh.Slug, "")
	require.NoError(t, err)
	assert.Equal(t, "once only", readAll(t, obj))
	assert.Equal(t, f.ID, got.ID)

	stored, err := env.shares.Get(ctx, sh.ID, env.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.DownloadCount)

	_, _, err = env.shares.Download(ctx, sh.Slug, "")
	assert.ErrorIs(t, err, ErrDownloadLimit)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestDownload_ConcurrentClaims(t *testing.T) {
	env := newTestEnv(t)
	f := env.upload(t, "race")
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID, MaxDownloads: int64Ptr(1)})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obj, _, err := env.shares.Download(context.Background(), sh.Slug, "")
			if err == nil {
				obj.Close()
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	stored, err := env.shares.Get(context.Background(), sh.ID, env.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.DownloadCount)
}

func TestAccess_Password(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "classified")
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID, Password: "secret"})
	assert.True(t, sh.HasPassword)

	_, err := env.shares.Access(ctx, sh.Slug, "")
	assert.ErrorIs(t, err, ErrPasswordRequired)

	_, err = env.shares.Access(ctx, sh.Slug, "wrong")
	assert.ErrorIs(t, err, ErrPasswordInvalid)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	summary, err := env.shares.Access(ctx, sh.Slug, "secret")
	require.NoError(t, err)
	assert.Equal(t, "shared.txt", summary.Name)
	assert.Equal(t, int64(len("classified")), summary.SizeBytes)
	assert.True(t, summary.HasPassword)
	assert.Equal(t, int64(0), summary.DownloadCount)
	assert.Equal(t, int64(1), summary.ViewCount)

	stored, err := env.shares.Get(ctx, sh.ID, env.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.DownloadCount)
	assert.Equal(t, int64(1), stored.ViewCount)
}

func TestVerify_NoCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "x")
	locked := env.shareFile(t, CreateRequest{FileID: &f.ID, Password: "secret"})
	open := env.shareFile(t, CreateRequest{FileID: &f.ID})

	ok, err := env.shares.Verify(ctx, locked.Slug, "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.shares.Verify(ctx, locked.Slug, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.shares.Verify(ctx, open.Slug, "anything")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.shares.Verify(ctx, "missing", "secret")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := env.shares.Get(ctx, locked.ID, env.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.ViewCount)
	assert.Equal(t, int64(0), stored.DownloadCount)
}

func TestAccess_ExpiredBeatsPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "x")
	expires := time.Now().Add(time.Hour)
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID, Password: "secret", ExpiresAt: &expires})

	env.shares.now = func() time.Time { return expires.Add(time.Second) }

	_, err := env.shares.Access(ctx, sh.Slug, "secret")
	assert.ErrorIs(t, err, ErrShareExpired)
	_, err = env.shares.Access(ctx, sh.Slug, "wrong")
	assert.ErrorIs(t, err, ErrShareExpired)
	_, _, err = env.shares.Download(ctx, sh.Slug, "secret")
	assert.ErrorIs(t, err, ErrShareExpired)
}

func TestAccess_DisabledShareAndOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "x")
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID})

	disabled := false
	_, err := env.shares.Update(ctx, sh.ID, env.owner, UpdateRequest{Enabled: &disabled})
	require.NoError(t, err)
	_, err = env.shares.Access(ctx, sh.Slug, "")
	assert.ErrorIs(t, err, ErrShareDisabled)

	enabled := true
	_, err = env.shares.Update(ctx, sh.ID, env.owner, UpdateRequest{Enabled: &enabled})
	require.NoError(t, err)
	require.NoError(t, env.accounts.SetEnabled(ctx, env.owner, false))

	_, err = env.shares.Access(ctx, sh.Slug, "")
	assert.ErrorIs(t, err, ErrOwnerDisabled)
}

func TestAccess_UnknownAndTombstoned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.shares.Access(ctx, "nothing-here", "")
	assert.ErrorIs(t, err, ErrShareNotFound)

	f := env.upload(t, "x")
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID})
	require.NoError(t, env.files.Delete(ctx, f.ID, env.owner))

	_, err = env.shares.Access(ctx, sh.Slug, "")
	assert.ErrorIs(t, err, ErrShareNotFound)

	_, _, err = env.shares.Download(ctx, sh.Slug, "")
	assert.ErrorIs(t, err, ErrShareNotFound)

	stored, err := env.shares.Get(ctx, sh.ID, env.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.DownloadCount, "a failed open gives the slot back")
}

func TestDownload_FolderShareForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	folder, err := env.files.CreateFolder(ctx, env.owner, nil, "album")
	require.NoError(t, err)
	sh := env.shareFile(t, CreateRequest{FolderID: &folder.ID})

	summary, err := env.shares.Access(ctx, sh.Slug, "")
	require.NoError(t, err)
	assert.Equal(t, TargetFolder, summary.TargetKind)
	assert.Equal(t, "album", summary.Name)

	_, _, err = env.shares.Download(ctx, sh.Slug, "")
	assert.ErrorIs(t, err, ErrFolderNotDownloadable)
}

func TestUpdate_PolicyFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "x")
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID, Password: "secret", MaxDownloads: int64Ptr(3)})

	private := VisibilityPrivate
	expires := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	updated, err := env.shares.Update(ctx, sh.ID, env.owner, UpdateRequest{
		Visibility:        &private,
		ClearPassword:     true,
		ExpiresAt:         &expires,
		ClearMaxDownloads: true,
	})
	require.NoError(t, err)
	assert.Equal(t, VisibilityPrivate, updated.Visibility)
	assert.False(t, updated.HasPassword)
	assert.Nil(t, updated.MaxDownloads)

	stored, err := env.shares.Get(ctx, sh.ID, env.owner)
	require.NoError(t, err)
	assert.False(t, stored.HasPassword)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, expires.Unix(), stored.ExpiresAt.Unix())

	_, err = env.shares.Access(ctx, sh.Slug, "")
	assert.NoError(t, err)
}

func TestOwnerOperations_WrongOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "x")
	sh := env.shareFile(t, CreateRequest{FileID: &f.ID})

	_, err := env.shares.Update(ctx, sh.ID, "intruder", UpdateRequest{})
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, env.shares.Delete(ctx, sh.ID, "intruder"), ErrAccessDenied)
	assert.ErrorIs(t, env.shares.Delete(ctx, "missing", env.owner), ErrShareNotFound)

	require.NoError(t, env.shares.Delete(ctx, sh.ID, env.owner))
	shares, err := env.shares.ListByOwner(ctx, env.owner)
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestListByOwner_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := env.upload(t, "x")

	first := env.shareFile(t, CreateRequest{FileID: &f.ID})
	_, err := env.conn.Exec("UPDATE shares SET created_at = created_at - 60 WHERE id = ?", first.ID)
	require.NoError(t, err)
	second := env.shareFile(t, CreateRequest{FileID: &f.ID})

	shares, err := env.shares.ListByOwner(ctx, env.owner)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, second.ID, shares[0].ID)
	assert.Equal(t, first.ID, shares[1].ID)
}

func TestGenerateSlug(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		slug, err := generateSlug(config.DefaultSlugAlphabet, 12)
		require.NoError(t, err)
		assert.Len(t, slug, 12)
		assert.True(t, slugPattern.MatchString(slug), slug)
		seen[slug] = true
	}
	assert.Len(t, seen, 100)

	slug, err := generateSlug("ab", 32)
	require.NoError(t, err)
	assert.Regexp(t, `^[ab]{32}$`, slug)
}
