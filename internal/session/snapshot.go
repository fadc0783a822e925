package session

import (
	"sync"

	"github.com/openmined/syftdrop/internal/progress"
)

// Outcome of a session's processing
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Snapshot is the externally observable status of a session
type Snapshot struct {
	SessionID string

	// Progress is the processing percent reported by the server, nil until the first event
	Progress *float64
	Step     string

	// UploadProgress is the aggregate storage transfer percent
	UploadProgress float64
	UploadDone     bool
	Files          int
	FilesUploaded  int
	FilesFailed    int

	IsCompleted bool
	IsConnected bool
	ConnState   progress.State
	Outcome     Outcome

	// Error is the processing failure message verbatim, or the storage failure summary
	Error string

	Active bool
}

// Percent returns the processing percent, 0 when unknown
func (s Snapshot) Percent() float64 {
	if s.Progress == nil {
		return 0
	}
	return *s.Progress
}

// Terminal reports whether processing finished one way or the other
func (s Snapshot) Terminal() bool {
	return s.Outcome != OutcomePending
}

// broadcaster fans snapshots out to latest-wins subscribers
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Snapshot]struct{}
}

func (b *broadcaster) subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan Snapshot]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, ch)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
