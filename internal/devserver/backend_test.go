package devserver

import (
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

	tests := []struct {
		name     string
		fileName string
		want     string
		wantErr  bool
	}{
		{name: "plain", fileName: "song.mp3", want: "uploads/song.mp3-20260102T030405.006Z"},
		{name: "strips dirs", fileName: "../../etc/passwd", want: "uploads/passwd-20260102T030405.006Z"},
		{name: "windows path", fileName: `C:\music\my song.mp3`, want: "uploads/my_song.mp3-20260102T030405.006Z"},
		{name: "dots only", fileName: "..", wantErr: true},
		{name: "empty", fileName: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := objectKey("uploads/", tt.fileName, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, validKey(got))
		})
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, validKey("uploads/a.mp3"))
	assert.False(t, validKey(""))
	assert.False(t, validKey("/abs"))
	assert.False(t, validKey("uploads/../x"))
	assert.False(t, validKey("uploads//x"))
	assert.False(t, validKey(`uploads\x`))
}

func newLocalRecord(op grantOp, expires time.Time) *grantRecord {
	return &grantRecord{ID: "gid1", Op: op, Key: "uploads/a.mp3", ContentType: "audio/mpeg", ExpiresAt: expires}
}

func TestLocalBackend_SignAndVerify(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), "secret")
	require.NoError(t, err)

	now := time.Now()
	rec := newLocalRecord(opUpload, now.Add(time.Minute).Truncate(time.Second))

	raw, err := b.UploadURL(context.Background(), "http://drop.test", rec)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/blob/uploads/a.mp3", u.Path)

	gid, err := b.verify("PUT", rec.Key, u.Query(), now)
	require.NoError(t, err)
	assert.Equal(t, "gid1", gid)

	// bound to method and key
	_, err = b.verify("GET", rec.Key, u.Query(), now)
	assert.ErrorIs(t, err, errSignatureMismatch)
	_, err = b.verify("PUT", "uploads/b.mp3", u.Query(), now)
	assert.ErrorIs(t, err, errSignatureMismatch)

	// expiry cannot be extended
	q := u.Query()
	q.Set(queryExpires, "99999999999")
	_, err = b.verify("PUT", rec.Key, q, now)
	assert.ErrorIs(t, err, errSignatureMismatch)

	_, err = b.verify("PUT", rec.Key, u.Query(), rec.ExpiresAt)
	assert.ErrorIs(t, err, errGrantExpired)

	_, err = b.verify("PUT", rec.Key, url.Values{}, now)
	assert.ErrorIs(t, err, errGrantUnknown)
}

func TestLocalBackend_OtherSecretRejected(t *testing.T) {
	a, err := NewLocalBackend(t.TempDir(), "one")
	require.NoError(t, err)
	b, err := NewLocalBackend(t.TempDir(), "two")
	require.NoError(t, err)

	rec := newLocalRecord(opDownload, time.Now().Add(time.Minute))
	raw, err := a.DownloadURL(context.Background(), "http://drop.test", rec)
	require.NoError(t, err)
	u, _ := url.Parse(raw)

	_, err = b.verify("GET", rec.Key, u.Query(), time.Now())
	assert.ErrorIs(t, err, errSignatureMismatch)
}

func TestLocalBackend_PutOpenStat(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), "secret")
	require.NoError(t, err)

	info, err := b.Put("uploads/a.mp3", "audio/mpeg", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)
	assert.NotEmpty(t, info.ETag)

	stat, err := b.Stat(context.Background(), "uploads/a.mp3")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stat.Size)
	assert.Equal(t, "audio/mpeg", stat.ContentType)

	f, _, err := b.Open("uploads/a.mp3")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = b.Stat(context.Background(), "uploads/missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = b.Put("../escape", "text/plain", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
