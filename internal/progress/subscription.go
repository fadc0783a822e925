package progress

import (
	"log/slog"
	"sync"

	"github.com/openmined/syftdrop/internal/wsproto"
)

// Subscription receives every event dispatched after it was created.
// C is closed by Close or when the channel stops.
type Subscription struct {
	C <-chan Event

	c       chan Event
	channel *Channel
	once    sync.Once
}

// Subscribe registers a new event subscriber. Subscriptions survive reconnects.
func (c *Channel) Subscribe() *Subscription {
	ch := make(chan Event, c.cfg.SubscriptionSize)
	sub := &Subscription{C: ch, c: ch, channel: c}

	c.subMu.Lock()
	c.subs[sub] = struct{}{}
	c.subMu.Unlock()
	return sub
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.channel.subMu.Lock()
	defer s.channel.subMu.Unlock()
	if _, ok := s.channel.subs[s]; ok {
		delete(s.channel.subs, s)
		s.closeLocked()
	}
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.c) })
}

func (c *Channel) dispatch(msg *wsproto.Message) {
	ev, ok := eventFromMessage(msg)
	if !ok {
		if msg.Type == wsproto.MsgSystem {
			slog.Debug("progress channel system message", "data", msg.Data)
		}
		return
	}
	slog.Debug("progress channel rx", "id", msg.Id, "type", msg.Type, "cid", ev.Correlation())

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for sub := range c.subs {
		select {
		case sub.c <- ev:
		default:
			c.stats.onDropped()
			slog.Warn("progress subscription buffer full, dropped", "id", msg.Id, "type", msg.Type)
		}
	}
}

func (c *Channel) closeSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for sub := range c.subs {
		sub.closeLocked()
		delete(c.subs, sub)
	}
}

// StateWatch receives state transitions. When the reader falls behind only the
// latest state is kept. Unlike event subscriptions it is not closed by Stop.
type StateWatch struct {
	C <-chan State

	c       chan State
	mu      sync.Mutex
	closed  bool
	channel *Channel
}

// StateChanges registers a state watcher. The current state is delivered first.
func (c *Channel) StateChanges() *StateWatch {
	ch := make(chan State, 8)
	w := &StateWatch{C: ch, c: ch, channel: c}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.watchers[w] = struct{}{}
	w.send(c.state)
	return w
}

func (w *StateWatch) Close() {
	w.channel.subMu.Lock()
	delete(w.channel.watchers, w)
	w.channel.subMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.c)
	}
}

func (w *StateWatch) send(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for {
		select {
		case w.c <- s:
			return
		default:
			// drop the oldest pending state
			select {
			case <-w.c:
			default:
			}
		}
	}
}
