package devserver

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid key")
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Backend turns grant records into urls that storage accepts without proxying
// bytes through the api
type Backend interface {
	Name() string
	UploadURL(ctx context.Context, baseURL string, rec *grantRecord) (string, error)
	DownloadURL(ctx context.Context, baseURL string, rec *grantRecord) (string, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// objectKey builds `<prefix>/<name>-<unix millis>` from a client supplied file name
func objectKey(prefix, fileName string, now time.Time) (string, error) {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "", ErrInvalidKey
	}
	key := name + "-" + now.UTC().Format("20060102T150405.000Z")
	if prefix != "" {
		key = strings.Trim(prefix, "/") + "/" + key
	}
	return key, nil
}

// validKey rejects traversal and absolute keys
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
