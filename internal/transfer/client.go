package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openmined/syftdrop/internal/dropsdk"
	"golang.org/x/time/rate"
)

const (
	defaultProgressInterval = 250 * time.Millisecond
	maxErrorBody            = 512
)

// ProgressFunc receives a task's percent in [0,100]. Calls are throttled, except 0 and 100.
type ProgressFunc func(task *Task, percent float64)

// ClientConfig tunes the transfer client
type ClientConfig struct {
	// HTTPClient performs the PUT. Defaults to a client without an overall timeout,
	// large payloads are bounded only by the grant and the caller's context.
	HTTPClient *http.Client

	// ProgressInterval is the minimum spacing between progress callbacks
	ProgressInterval time.Duration

	now func() time.Time
}

// Client performs one binary transfer per task against the grant's URL
type Client struct {
	httpClient *http.Client
	interval   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]*Task
}

func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          64,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}

	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	now := cfg.now
	if now == nil {
		now = time.Now
	}

	return &Client{
		httpClient: httpClient,
		interval:   interval,
		now:        now,
		inflight:   make(map[string]*Task),
	}
}

// Submit uploads the task's payload with a single PUT to its grant URL.
// On success it returns the stored object key.
func (c *Client) Submit(ctx context.Context, task *Task, onProgress ProgressFunc) (string, error) {
	if onProgress == nil {
		onProgress = func(*Task, float64) {}
	}

	grant := task.Grant()
	if grant == nil {
		task.fail(ErrNoGrant)
		return "", ErrNoGrant
	}

	// expiry and single-use are checked before anything goes on the wire
	if grant.Expired(c.now()) {
		task.fail(ErrGrantExpired)
		slog.Warn("transfer", "op", "PUT", "key", grant.Key, "error", ErrGrantExpired)
		return "", ErrGrantExpired
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if ok, err := task.begin(cancel); !ok {
		return "", err
	}

	if !grant.Claim() {
		task.fail(ErrGrantConsumed)
		return "", ErrGrantConsumed
	}

	c.track(task)
	defer c.untrack(task)

	onProgress(task, 0)

	key, err := c.put(ctx, task, grant, onProgress)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) || task.isCancelled() {
			task.Cancel()
			task.fail(ErrCancelled)
			slog.Info("transfer", "op", "PUT", "key", grant.Key, "status", StatusCancelled)
			return "", ErrCancelled
		}
		task.fail(err)
		dropsdk.RecordTransferError(err)
		slog.Error("transfer", "op", "PUT", "key", grant.Key, "error", err)
		return "", err
	}

	task.succeed(key)
	onProgress(task, 100)
	slog.Info("transfer", "op", "PUT", "key", key, "size", task.TotalBytes())
	return key, nil
}

// Cancel aborts every transfer currently in flight through this client
func (c *Client) Cancel() {
	c.mu.Lock()
	tasks := make([]*Task, 0, len(c.inflight))
	for _, t := range c.inflight {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

func (c *Client) put(ctx context.Context, task *Task, grant *dropsdk.Grant, onProgress ProgressFunc) (string, error) {
	body, err := task.Payload.Open()
	if err != nil {
		return "", fmt.Errorf("transfer: open %q: %w", task.Payload.Name, err)
	}
	defer body.Close()

	throttle := &rate.Sometimes{Interval: c.interval}
	reader := newProgressReader(body, func(read int64) {
		pct, changed := task.advance(read)
		if !changed || pct >= 100 {
			// 100 is reported once storage acknowledged the object
			return
		}
		throttle.Do(func() {
			onProgress(task, pct)
		})
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, grant.URL, reader)
	if err != nil {
		return "", &TransferError{Key: grant.Key, Err: err}
	}
	req.ContentLength = task.Payload.Size
	req.Header.Set("Content-Type", task.Payload.ContentType)
	if task.Payload.Size == 0 {
		req.Body = http.NoBody
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransferError{Key: grant.Key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &TransferError{Key: grant.Key, Status: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return grant.Key, nil
}

func (c *Client) track(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[t.ID] = t
}

func (c *Client) untrack(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, t.ID)
}
