package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/syftdrop/internal/progress"
	"github.com/openmined/syftdrop/internal/transfer"
)

// FileInfo is the metadata recorded for each file of a session
type FileInfo struct {
	Name        string
	ContentType string
	Size        int64
}

// Session is one upload and its processing, identified by a correlation id.
// All mutations are serialized by the session lock.
type Session struct {
	ID        string
	Files     []FileInfo
	StartedAt time.Time

	connState func() progress.State
	onChange  func(*Session)
	notifier  Notifier

	mu             sync.Mutex
	active         bool
	batch          *transfer.Batch
	uploadProgress float64
	uploadDone     bool
	results        []transfer.Result
	uploadErr      error
	latest         progress.Event
	processing     *float64
	step           string
	outcome        Outcome
	failMessage    string
	done           chan struct{}

	pubMu   sync.Mutex
	updates broadcaster
}

func newSession(id string, payloads []*transfer.Payload) *Session {
	files := make([]FileInfo, len(payloads))
	for i, p := range payloads {
		files[i] = FileInfo{Name: p.Name, ContentType: p.ContentType, Size: p.Size}
	}
	return &Session{
		ID:        id,
		Files:     files,
		StartedAt: time.Now(),
		active:    true,
		done:      make(chan struct{}),
		notifier:  logNotifier{},
		connState: func() progress.State { return progress.Disconnected },
	}
}

// OnProgressEvent applies a push channel event. Completed and Failed are terminal
// and sticky, so repeated terminal events are ignored. Events for an inactive
// session return ErrStaleEvent.
func (s *Session) OnProgressEvent(ev progress.Event) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrStaleEvent
	}
	if s.outcome != OutcomePending {
		s.mu.Unlock()
		slog.Debug("session event after terminal state ignored", "session", s.ID, "event", ev)
		return nil
	}

	s.latest = ev
	switch e := ev.(type) {
	case progress.Progress:
		pct := min(max(e.Percent, 0), 100)
		s.processing = &pct
		s.step = e.Step
	case progress.Completed:
		pct := 100.0
		s.processing = &pct
		s.outcome = OutcomeSucceeded
	case progress.Failed:
		s.outcome = OutcomeFailed
		s.failMessage = e.Message
	}
	outcome, message := s.outcome, s.failMessage
	s.mu.Unlock()

	switch outcome {
	case OutcomeSucceeded:
		slog.Info("session processing completed", "session", s.ID)
	case OutcomeFailed:
		slog.Warn("session processing failed", "session", s.ID, "message", message)
		s.notifier.Notify(Notification{
			Level:     slog.LevelError,
			SessionID: s.ID,
			Title:     "Processing failed",
			Message:   message,
		})
	}

	s.publish()
	return nil
}

// Snapshot returns the current observable status
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	state := s.connState()
	snap := Snapshot{
		SessionID:      s.ID,
		Step:           s.step,
		UploadProgress: s.uploadProgress,
		UploadDone:     s.uploadDone,
		Files:          len(s.Files),
		IsCompleted:    s.outcome == OutcomeSucceeded,
		IsConnected:    state == progress.Connected,
		ConnState:      state,
		Outcome:        s.outcome,
		Active:         s.active,
	}
	if s.processing != nil {
		pct := *s.processing
		snap.Progress = &pct
	}
	for _, r := range s.results {
		switch r.Status {
		case transfer.StatusSucceeded:
			snap.FilesUploaded++
		case transfer.StatusFailed:
			snap.FilesFailed++
		}
	}

	switch {
	case s.outcome == OutcomeFailed:
		snap.Error = s.failMessage
	case s.uploadErr != nil && s.active:
		snap.Error = s.uploadErr.Error()
	}
	return snap
}

// LatestEvent is the last applied push channel event, nil if none
func (s *Session) LatestEvent() progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Updates streams snapshots after every change. Only the latest unread snapshot
// is kept. Call the returned func to unsubscribe.
func (s *Session) Updates() (<-chan Snapshot, func()) {
	return s.updates.subscribe()
}

// UploadDone is closed when every file reached a terminal transfer status
func (s *Session) UploadDone() <-chan struct{} {
	return s.done
}

// Wait blocks until the storage transfers settle and returns one result per file.
// The error joins every failed transfer.
func (s *Session) Wait(ctx context.Context) ([]transfer.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results, s.uploadErr
}

// WaitProcessed blocks until the server reports Completed or Failed
func (s *Session) WaitProcessed(ctx context.Context) (Snapshot, error) {
	updates, cancel := s.Updates()
	defer cancel()

	if snap := s.Snapshot(); snap.Terminal() {
		return snap, nil
	}
	for {
		select {
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		case snap := <-updates:
			if snap.Terminal() {
				return snap, nil
			}
			if !snap.Active {
				return snap, ErrStaleEvent
			}
		}
	}
}

// Cancel aborts the session's in-flight transfers
func (s *Session) Cancel() {
	s.mu.Lock()
	batch := s.batch
	s.mu.Unlock()
	if batch != nil {
		batch.Cancel()
	}
}

// Active reports whether the session still accepts events
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// reset clears transient fields, including a terminal outcome, and deactivates the session.
// Transfer results stay available through Wait.
func (s *Session) reset() {
	s.mu.Lock()
	s.active = false
	s.latest = nil
	s.processing = nil
	s.step = ""
	s.outcome = OutcomePending
	s.failMessage = ""
	s.uploadProgress = 0
	s.mu.Unlock()

	slog.Debug("session reset", "session", s.ID)
	s.publish()
}

// deactivate stops accepting events without clearing a terminal record
func (s *Session) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.publish()
}

func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome != OutcomePending
}

func (s *Session) onUploadProgress(bp transfer.BatchProgress) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.uploadProgress = bp.Percent
	s.mu.Unlock()
	s.publish()
}

func (s *Session) awaitBatch(batch *transfer.Batch) {
	results := batch.Wait()

	var errs []error
	var failed []string
	for _, r := range results {
		if r.Status == transfer.StatusSucceeded {
			continue
		}
		failed = append(failed, r.Name)
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}

	s.mu.Lock()
	s.results = results
	s.uploadDone = true
	s.uploadErr = errors.Join(errs...)
	active := s.active
	s.mu.Unlock()
	defer close(s.done)

	if len(failed) > 0 && active {
		s.notifier.Notify(Notification{
			Level:     slog.LevelError,
			SessionID: s.ID,
			Title:     "Upload failed",
			Message:   fmt.Sprintf("%d of %d files failed: %v", len(failed), len(results), failed),
		})
	}
	slog.Info("session upload settled", "session", s.ID, "files", len(results), "failed", len(failed))
	s.publish()
}

func (s *Session) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.updates.publish(s.Snapshot())
	if s.onChange != nil {
		s.onChange(s)
	}
}
