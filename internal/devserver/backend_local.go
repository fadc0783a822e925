package devserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openmined/syftdrop/internal/utils"
)

const (
	blobRoute = "/blob"

	queryGrantID = "gid"
	queryExpires = "exp"
	querySig     = "sig"

	contentTypeSuffix = ".content-type"
)

// LocalBackend stores objects on disk and issues HMAC signed urls served by this server
type LocalBackend struct {
	dir    string
	secret []byte

	mu sync.Mutex
}

func NewLocalBackend(dir, secret string) (*LocalBackend, error) {
	dir, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("blob dir: %w", err)
	}
	if secret == "" {
		secret = utils.TokenHex(32)
	}
	return &LocalBackend{dir: dir, secret: []byte(secret)}, nil
}

func (b *LocalBackend) Name() string {
	return BackendLocal
}

func (b *LocalBackend) UploadURL(_ context.Context, baseURL string, rec *grantRecord) (string, error) {
	return b.signedURL(baseURL, "PUT", rec)
}

func (b *LocalBackend) DownloadURL(_ context.Context, baseURL string, rec *grantRecord) (string, error) {
	return b.signedURL(baseURL, "GET", rec)
}

func (b *LocalBackend) signedURL(baseURL, method string, rec *grantRecord) (string, error) {
	if !validKey(rec.Key) {
		return "", ErrInvalidKey
	}
	exp := strconv.FormatInt(rec.ExpiresAt.Unix(), 10)

	q := url.Values{}
	q.Set(queryGrantID, rec.ID)
	q.Set(queryExpires, exp)
	q.Set(querySig, b.sign(method, rec.Key, rec.ID, exp))

	u, err := url.JoinPath(baseURL, blobRoute, rec.Key)
	if err != nil {
		return "", err
	}
	return u + "?" + q.Encode(), nil
}

func (b *LocalBackend) sign(method, key, gid, exp string) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(strings.Join([]string{method, key, gid, exp}, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify checks the signature and the signed expiry of a request
func (b *LocalBackend) verify(method, key string, q url.Values, now time.Time) (string, error) {
	gid, exp, sig := q.Get(queryGrantID), q.Get(queryExpires), q.Get(querySig)
	if gid == "" || exp == "" || sig == "" {
		return "", errGrantUnknown
	}

	want := b.sign(method, key, gid, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", errSignatureMismatch
	}

	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", errSignatureMismatch
	}
	if !now.Before(time.Unix(unix, 0)) {
		return gid, errGrantExpired
	}
	return gid, nil
}

var errSignatureMismatch = errors.New("signature does not match")

func (b *LocalBackend) path(key string) (string, error) {
	if !validKey(key) {
		return "", ErrInvalidKey
	}
	return filepath.Join(b.dir, filepath.FromSlash(key)), nil
}

// Put writes the object atomically
func (b *LocalBackend) Put(key, contentType string, body io.Reader) (*ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureParent(p); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Rename(tmp.Name(), p); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p+contentTypeSuffix, []byte(contentType), 0o644); err != nil {
		return nil, err
	}

	return &ObjectInfo{
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		ETag:         hex.EncodeToString(hash.Sum(nil)),
		LastModified: time.Now(),
	}, nil
}

// Open returns the object body and metadata
func (b *LocalBackend) Open(key string) (*os.File, *ObjectInfo, error) {
	info, err := b.Stat(context.Background(), key)
	if err != nil {
		return nil, nil, err
	}
	p, _ := b.path(key)
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	return f, info, nil
}

func (b *LocalBackend) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	} else if err != nil {
		return nil, err
	}

	contentType := utils.DefaultContentType
	if raw, err := os.ReadFile(p + contentTypeSuffix); err == nil && len(raw) > 0 {
		contentType = string(raw)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  contentType,
		LastModified: fi.ModTime(),
	}, nil
}
