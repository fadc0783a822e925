package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/syftdrop/internal/dropsdk"
	"github.com/openmined/syftdrop/internal/wsproto"
	"github.com/stretchr/testify/require"
)

const testUser = "alice@example.com"

// fakeClock shifts the server's notion of now without touching wall time
type fakeClock struct {
	offset atomic.Int64
}

func (c *fakeClock) now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *fakeClock) advance(d time.Duration) {
	c.offset.Add(int64(d))
}

type testEnv struct {
	cfg   *Config
	srv   *Server
	http  *httptest.Server
	clock *fakeClock
	token string
	sdk   *dropsdk.SDK
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Auth.AccessTokenSecret = "test-secret"
	cfg.Blob.Dir = t.TempDir()
	cfg.Blob.SigningSecret = "test-signing-secret"
	cfg.Grants.RateLimit = "1000-S"
	cfg.Processing.StepDelay = 0
	cfg.Processing.Workers = 2
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)

	clock := &fakeClock{}
	srv.now = clock.now
	srv.ledger.now = clock.now

	ctx, cancel := context.WithCancel(context.Background())
	srv.startBackground(ctx)
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.hub.Shutdown(shutdownCtx)
		cancel()
		srv.stopBackground()
		hs.Close()
	})

	token, err := srv.AccessToken(testUser)
	require.NoError(t, err)

	sdk, err := dropsdk.New(&dropsdk.Config{BaseURL: hs.URL, AccessToken: token})
	require.NoError(t, err)
	t.Cleanup(sdk.Close)

	return &testEnv{cfg: cfg, srv: srv, http: hs, clock: clock, token: token, sdk: sdk}
}

func (e *testEnv) uploadGrant(t *testing.T, name, contentType, cid string) *dropsdk.Grant {
	t.Helper()
	grant, err := e.sdk.Grants.Upload(context.Background(), &dropsdk.UploadGrantRequest{
		FileName:      name,
		FileType:      contentType,
		CorrelationID: cid,
	})
	require.NoError(t, err)
	return grant
}

// rawPut sends a PUT outside the transfer client and decodes the error body, if any
func rawPut(t *testing.T, url, contentType string, body []byte) (int, *apiError) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	var apiErr apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return resp.StatusCode, &apiErr
}

// recordingSink captures events sent by the processor
type recordingSink struct {
	mu   sync.Mutex
	msgs []*wsproto.Message
	got  chan *wsproto.Message
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan *wsproto.Message, 64)}
}

func (s *recordingSink) SendUser(_ string, msg *wsproto.Message) bool {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.got <- msg
	return true
}

// next returns the next event, failing the test after a timeout
func (s *recordingSink) next(t *testing.T) *wsproto.Message {
	t.Helper()
	select {
	case msg := <-s.got:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

// memBackend is a presigning backend whose objects appear out of band
type memBackend struct {
	mu      sync.Mutex
	objects map[string]*ObjectInfo
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string]*ObjectInfo)}
}

func (b *memBackend) Name() string { return "mem" }

func (b *memBackend) UploadURL(_ context.Context, baseURL string, rec *grantRecord) (string, error) {
	return baseURL + "/mem/" + rec.Key, nil
}

func (b *memBackend) DownloadURL(_ context.Context, baseURL string, rec *grantRecord) (string, error) {
	return baseURL + "/mem/" + rec.Key, nil
}

func (b *memBackend) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.objects[key]; ok {
		return info, nil
	}
	return nil, ErrObjectNotFound
}

func (b *memBackend) put(key string, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = &ObjectInfo{Key: key, Size: size}
}
