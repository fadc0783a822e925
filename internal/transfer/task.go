package transfer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/openmined/syftdrop/internal/dropsdk"
)

// Status of a single file upload task
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "inflight"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Task tracks one file's transfer to a granted destination
type Task struct {
	ID      string
	Payload *Payload

	mu        sync.RWMutex
	grant     *dropsdk.Grant
	status    Status
	bytesSent int64
	storedKey string
	err       error
	cancel    context.CancelFunc
	cancelled bool
}

func NewTask(payload *Payload, grant *dropsdk.Grant) *Task {
	return &Task{
		ID:      uuid.NewString(),
		Payload: payload,
		grant:   grant,
		status:  StatusPending,
	}
}

func (t *Task) Grant() *dropsdk.Grant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.grant
}

func (t *Task) setGrant(g *dropsdk.Grant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grant = g
}

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) BytesSent() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytesSent
}

func (t *Task) TotalBytes() int64 {
	return t.Payload.Size
}

// StoredKey is the object key once the task succeeded
func (t *Task) StoredKey() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.storedKey
}

func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Percent is bytesSent/totalBytes in [0,100]. Empty payloads are 0 until they succeed.
func (t *Task) Percent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.percentLocked()
}

func (t *Task) percentLocked() float64 {
	total := t.Payload.Size
	if total <= 0 {
		if t.status == StatusSucceeded {
			return 100
		}
		return 0
	}
	return min(float64(t.bytesSent)/float64(total)*100, 100)
}

// Cancel aborts the transfer. A pending task never starts; an in-flight one is interrupted.
// Either way it ends Cancelled, not Failed.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
}

// begin moves a pending task in flight. Returns false if it was cancelled or already started.
func (t *Task) begin(cancel context.CancelFunc) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusPending {
		return false, ErrTaskNotPending
	}
	if t.cancelled {
		t.status = StatusCancelled
		t.err = ErrCancelled
		return false, ErrCancelled
	}
	t.status = StatusInFlight
	t.cancel = cancel
	return true, nil
}

// advance records bytes read by the transport. Progress never moves backwards.
func (t *Task) advance(sent int64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sent <= t.bytesSent {
		return t.percentLocked(), false
	}
	t.bytesSent = min(sent, t.Payload.Size)
	return t.percentLocked(), true
}

func (t *Task) succeed(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = StatusSucceeded
	t.storedKey = key
	t.bytesSent = t.Payload.Size
	t.cancel = nil
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancel = nil
	if t.cancelled {
		t.status = StatusCancelled
		t.err = ErrCancelled
		return
	}
	t.status = StatusFailed
	t.err = err
}

// rearm puts a task that failed before sending anything back to pending with a new grant.
// Returns false when the task was cancelled or already moved bytes.
func (t *Task) rearm(g *dropsdk.Grant) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.status != StatusFailed || t.bytesSent != 0 {
		return false
	}
	t.status = StatusPending
	t.err = nil
	t.grant = g
	return true
}

func (t *Task) isCancelled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelled
}
