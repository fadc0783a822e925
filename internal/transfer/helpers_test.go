package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/syftdrop/internal/dropsdk"
)

// blobStore is a minimal PUT target
type blobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	failKeys map[string]int

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	started   chan string
	release   chan struct{}
}

func newBlobStore(t *testing.T) (*blobStore, *httptest.Server) {
	t.Helper()
	bs := &blobStore{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		failKeys: make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(bs.serve))
	t.Cleanup(srv.Close)
	return bs, srv
}

func (bs *blobStore) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/blob/")

	n := bs.active.Add(1)
	defer bs.active.Add(-1)
	for {
		m := bs.maxActive.Load()
		if n <= m || bs.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if bs.started != nil {
		bs.started <- key
	}
	if bs.release != nil {
		select {
		case <-bs.release:
		case <-r.Context().Done():
			return
		}
	}
	if bs.delay > 0 {
		time.Sleep(bs.delay)
	}

	bs.mu.Lock()
	status := bs.failKeys[key]
	bs.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "<Error><Code>AccessDenied</Code></Error>")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	bs.mu.Lock()
	bs.objects[key] = data
	bs.types[key] = r.Header.Get("Content-Type")
	bs.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (bs *blobStore) failKey(key string, status int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.failKeys[key] = status
}

func (bs *blobStore) object(key string) ([]byte, string, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	data, ok := bs.objects[key]
	return data, bs.types[key], ok
}

func testGrant(srv *httptest.Server, key string, ttl time.Duration) *dropsdk.Grant {
	return &dropsdk.Grant{
		Key:       key,
		URL:       fmt.Sprintf("%s/blob/%s", srv.URL, key),
		ExpiresAt: time.Now().Add(ttl),
	}
}

// staticResolver hands out grants against srv, keyed by file name
type staticResolver struct {
	srv     *httptest.Server
	ttl     time.Duration
	failFor map[string]error
	calls   atomic.Int32
	cids    sync.Map
}

func (r *staticResolver) ResolveGrant(_ context.Context, name, _ string, cid string) (*dropsdk.Grant, error) {
	r.calls.Add(1)
	r.cids.Store(name, cid)
	if err := r.failFor[name]; err != nil {
		return nil, err
	}
	ttl := r.ttl
	if ttl == 0 {
		ttl = time.Minute
	}
	g := testGrant(r.srv, "uploads/"+name, ttl)
	g.CorrelationID = cid
	return g, nil
}

func fastClient() *Client {
	return NewClient(&ClientConfig{ProgressInterval: time.Nanosecond})
}
