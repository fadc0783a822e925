package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_Success(t *testing.T) {
	bs, srv := newBlobStore(t)
	data := bytes.Repeat([]byte("x"), 256*1024)

	task := NewTask(BytesPayload("a.mp4", "", data), testGrant(srv, "uploads/a.mp4", time.Minute))

	var mu sync.Mutex
	var ticks []float64
	key, err := fastClient().Submit(context.Background(), task, func(_ *Task, pct float64) {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, pct)
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/a.mp4", key)
	assert.Equal(t, StatusSucceeded, task.Status())
	assert.Equal(t, int64(len(data)), task.BytesSent())
	assert.Equal(t, "uploads/a.mp4", task.StoredKey())

	stored, ctype, ok := bs.object("uploads/a.mp4")
	require.True(t, ok)
	assert.Equal(t, data, stored)
	assert.Equal(t, "video/mp4", ctype)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(ticks), 2)
	assert.Equal(t, 0.0, ticks[0])
	assert.Equal(t, 100.0, ticks[len(ticks)-1])
	for i := 1; i < len(ticks); i++ {
		assert.GreaterOrEqual(t, ticks[i], ticks[i-1], "progress went backwards at %d", i)
		assert.LessOrEqual(t, ticks[i], 100.0)
	}
}

func TestSubmit_EmptyPayload(t *testing.T) {
	_, srv := newBlobStore(t)
	task := NewTask(BytesPayload("empty.txt", "text/plain", nil), testGrant(srv, "uploads/empty.txt", time.Minute))

	_, err := fastClient().Submit(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, task.Percent())
}

func TestSubmit_ExpiredGrantFailsFast(t *testing.T) {
	bs, srv := newBlobStore(t)
	grant := testGrant(srv, "uploads/late.bin", -time.Second)
	task := NewTask(BytesPayload("late.bin", "", []byte("data")), grant)

	_, err := fastClient().Submit(context.Background(), task, nil)
	require.ErrorIs(t, err, ErrGrantExpired)

	var terr *TransferError
	assert.False(t, errors.As(err, &terr), "expiry must not look like a network error")
	assert.Equal(t, StatusFailed, task.Status())
	assert.False(t, grant.Claimed())
	assert.Equal(t, int32(0), bs.maxActive.Load(), "no request should reach storage")
}

func TestSubmit_ExpiryBoundary(t *testing.T) {
	_, srv := newBlobStore(t)
	grant := testGrant(srv, "uploads/edge.bin", 0)
	c := fastClient()
	c.now = func() time.Time { return grant.ExpiresAt }

	_, err := c.Submit(context.Background(), NewTask(BytesPayload("edge.bin", "", []byte("x")), grant), nil)
	require.ErrorIs(t, err, ErrGrantExpired)
}

func TestSubmit_GrantSingleUse(t *testing.T) {
	_, srv := newBlobStore(t)
	grant := testGrant(srv, "uploads/once.bin", time.Minute)
	c := fastClient()

	_, err := c.Submit(context.Background(), NewTask(BytesPayload("once.bin", "", []byte("1")), grant), nil)
	require.NoError(t, err)

	second := NewTask(BytesPayload("once.bin", "", []byte("2")), grant)
	_, err = c.Submit(context.Background(), second, nil)
	require.ErrorIs(t, err, ErrGrantConsumed)
	assert.Equal(t, StatusFailed, second.Status())
}

func TestSubmit_TaskNotPending(t *testing.T) {
	_, srv := newBlobStore(t)
	task := NewTask(BytesPayload("twice.bin", "", []byte("1")), testGrant(srv, "uploads/twice.bin", time.Minute))
	c := fastClient()

	_, err := c.Submit(context.Background(), task, nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), task, nil)
	require.ErrorIs(t, err, ErrTaskNotPending)
	assert.Equal(t, StatusSucceeded, task.Status())
}

func TestSubmit_StorageRejects(t *testing.T) {
	bs, srv := newBlobStore(t)
	bs.failKey("uploads/denied.bin", http.StatusForbidden)
	task := NewTask(BytesPayload("denied.bin", "", []byte("data")), testGrant(srv, "uploads/denied.bin", time.Minute))

	_, err := fastClient().Submit(context.Background(), task, nil)
	require.Error(t, err)

	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusForbidden, terr.Status)
	assert.False(t, terr.IsNetwork())
	assert.Contains(t, terr.Body, "AccessDenied")
	assert.Equal(t, StatusFailed, task.Status())
	assert.Equal(t, err, task.Err())
}

func TestSubmit_NetworkError(t *testing.T) {
	_, srv := newBlobStore(t)
	grant := testGrant(srv, "uploads/gone.bin", time.Minute)
	srv.Close()

	task := NewTask(BytesPayload("gone.bin", "", []byte("data")), grant)
	_, err := fastClient().Submit(context.Background(), task, nil)

	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.IsNetwork())
	assert.Equal(t, StatusFailed, task.Status())
}

func TestSubmit_NoGrant(t *testing.T) {
	task := NewTask(BytesPayload("x.bin", "", []byte("x")), nil)
	_, err := fastClient().Submit(context.Background(), task, nil)
	require.ErrorIs(t, err, ErrNoGrant)
}

func TestSubmit_CancelInFlight(t *testing.T) {
	bs, srv := newBlobStore(t)
	bs.started = make(chan string, 1)
	bs.release = make(chan struct{})
	t.Cleanup(func() { close(bs.release) })

	task := NewTask(BytesPayload("slow.bin", "", []byte("data")), testGrant(srv, "uploads/slow.bin", time.Minute))
	c := fastClient()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), task, nil)
		errCh <- err
	}()

	select {
	case <-bs.started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached storage")
	}
	c.Cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after cancel")
	}
	assert.Equal(t, StatusCancelled, task.Status())
}

func TestSubmit_CancelBeforeStart(t *testing.T) {
	bs, srv := newBlobStore(t)
	task := NewTask(BytesPayload("never.bin", "", []byte("x")), testGrant(srv, "uploads/never.bin", time.Minute))
	task.Cancel()

	_, err := fastClient().Submit(context.Background(), task, nil)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, task.Status())
	assert.Equal(t, int32(0), bs.maxActive.Load())
}
