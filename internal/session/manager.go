package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/openmined/syftdrop/internal/progress"
	"github.com/openmined/syftdrop/internal/transfer"
)

// Config wires a Manager to its collaborators
type Config struct {
	// Coordinator runs the storage transfers
	Coordinator *transfer.Coordinator

	// Channel delivers processing events. Optional; without it sessions only track uploads.
	Channel *progress.Channel

	// Notifier receives user-facing failures. Defaults to logging.
	Notifier Notifier
}

// Manager owns upload sessions and routes push channel events to them.
// A manager has at most one current session; independent uploads use independent managers
// sharing one channel, each receiving only the events carrying its own correlation ids.
type Manager struct {
	coord    *transfer.Coordinator
	channel  *progress.Channel
	notifier Notifier

	mu      sync.Mutex
	current *Session
	sub     *progress.Subscription
	watch   *progress.StateWatch
	closed  bool
	wg      sync.WaitGroup

	// pubMu orders snapshot and publish so a slower publisher cannot overwrite a newer snapshot
	pubMu   sync.Mutex
	updates broadcaster
}

func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || cfg.Coordinator == nil {
		return nil, ErrNoCoordinator
	}

	m := &Manager{
		coord:    cfg.Coordinator,
		channel:  cfg.Channel,
		notifier: cfg.Notifier,
	}
	if m.notifier == nil {
		m.notifier = logNotifier{}
	}

	if m.channel != nil {
		m.watch = m.channel.StateChanges()
		m.wg.Add(1)
		go m.watchState(m.watch)
	}
	return m, nil
}

// StartUpload resets the current session if it has not reached a terminal state,
// creates a new one with a fresh correlation id, starts the push channel and the
// transfers in the background. A channel that fails to connect is reported but
// does not fail the upload.
func (m *Manager) StartUpload(ctx context.Context, payloads ...*transfer.Payload) (*Session, error) {
	if len(payloads) == 0 {
		return nil, ErrNoFiles
	}

	s := newSession(uuid.NewString(), payloads)
	s.notifier = m.notifier
	s.connState = m.connState
	s.onChange = m.sessionChanged

	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()

	if prev != nil {
		if prev.terminal() {
			prev.deactivate()
		} else {
			prev.reset()
		}
	}

	slog.Info("session started", "session", s.ID, "files", len(payloads))
	m.ensureChannel(ctx, s.ID)

	batch := m.coord.Start(ctx, payloads, s.ID, s.onUploadProgress)
	s.mu.Lock()
	s.batch = batch
	s.mu.Unlock()
	go s.awaitBatch(batch)

	m.publish()
	return s, nil
}

// HandleEvent routes an event to the session it belongs to. Events carrying a
// correlation id go to the matching current session; events without one go to
// the current session. Anything else is stale.
func (m *Manager) HandleEvent(ev progress.Event) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return ErrStaleEvent
	}
	if cid := ev.Correlation(); cid != "" && cid != s.ID {
		return ErrStaleEvent
	}
	return s.OnProgressEvent(ev)
}

// ResetProgress clears the current session so later events for it are discarded.
// The push channel stays up.
func (m *Manager) ResetProgress() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s != nil {
		s.reset()
	}
	m.publish()
}

// StopConnection stops the push channel. It returns early with ctx's error if
// the channel does not shut down in time.
func (m *Manager) StopConnection(ctx context.Context) error {
	if m.channel == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.channel.Stop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Stop closed the subscription, the next start needs a fresh one
	m.mu.Lock()
	m.sub = nil
	m.mu.Unlock()

	m.publish()
	return nil
}

// Current returns the current session, nil after reset
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot returns the status of the current session, or an empty status with
// the connection state when there is none
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s != nil {
		return s.Snapshot()
	}
	state := m.connState()
	return Snapshot{IsConnected: state == progress.Connected, ConnState: state}
}

// Updates streams manager snapshots after every change to the current session or the connection
func (m *Manager) Updates() (<-chan Snapshot, func()) {
	return m.updates.subscribe()
}

// Close releases the manager's subscriptions. It does not stop the channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sub, watch := m.sub, m.watch
	m.sub, m.watch = nil, nil
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if watch != nil {
		watch.Close()
	}
	m.wg.Wait()
}

// ensureChannel subscribes to the channel and starts it in the background so
// transfers never wait on the handshake
func (m *Manager) ensureChannel(ctx context.Context, sessionID string) {
	if m.channel == nil {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.sub == nil {
		// subscribe before start so no early event is missed
		m.sub = m.channel.Subscribe()
		m.wg.Add(1)
		go m.pump(m.sub)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.connect(ctx, sessionID)
	}()
}

func (m *Manager) connect(ctx context.Context, sessionID string) {
	err := m.channel.Start(ctx)
	if err == nil {
		return
	}

	var cerr *progress.ChannelConnectError
	if errors.As(err, &cerr) {
		slog.Warn("session progress channel unavailable", "session", sessionID, "error", err)
		m.notifier.Notify(Notification{
			Level:     slog.LevelWarn,
			SessionID: sessionID,
			Title:     "Progress updates unavailable",
			Message:   err.Error(),
		})
		return
	}
	slog.Warn("session progress channel", "session", sessionID, "error", err)
}

// pump applies channel events until the subscription is closed
func (m *Manager) pump(sub *progress.Subscription) {
	defer m.wg.Done()

	for ev := range sub.C {
		if err := m.HandleEvent(ev); err != nil {
			slog.Debug("session event discarded", "event", ev, "cid", ev.Correlation(), "error", err)
		}
	}

	m.mu.Lock()
	if m.sub == sub {
		m.sub = nil
	}
	m.mu.Unlock()
}

func (m *Manager) watchState(w *progress.StateWatch) {
	defer m.wg.Done()
	for range w.C {
		m.publish()
	}
}

func (m *Manager) connState() progress.State {
	if m.channel == nil {
		return progress.Disconnected
	}
	return m.channel.State()
}

func (m *Manager) sessionChanged(s *Session) {
	m.mu.Lock()
	current := m.current == s
	m.mu.Unlock()
	if current {
		m.publish()
	}
}

func (m *Manager) publish() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.updates.publish(m.Snapshot())
}
