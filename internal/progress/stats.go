package progress

import (
	"sync/atomic"
	"time"
)

// channelStats tracks websocket telemetry across reconnects
type channelStats struct {
	bytesRecv      atomic.Int64
	framesRecv     atomic.Int64
	framesDropped  atomic.Int64
	lastRecvNs     atomic.Int64
	lastPingNs     atomic.Int64
	connectedAtNs  atomic.Int64
	disconnAtNs    atomic.Int64
	reconnects     atomic.Int64
	lastErrorValue atomic.Value // string
}

func newChannelStats() *channelStats {
	s := &channelStats{}
	s.lastErrorValue.Store("")
	return s
}

func (s *channelStats) onConnected() {
	s.connectedAtNs.Store(time.Now().UnixNano())
}

func (s *channelStats) onDisconnected() {
	s.disconnAtNs.Store(time.Now().UnixNano())
}

func (s *channelStats) onReconnected() {
	s.reconnects.Add(1)
}

func (s *channelStats) onRecv(n int) {
	if n <= 0 {
		return
	}
	s.bytesRecv.Add(int64(n))
	s.framesRecv.Add(1)
	s.lastRecvNs.Store(time.Now().UnixNano())
}

func (s *channelStats) onDropped() {
	s.framesDropped.Add(1)
}

func (s *channelStats) onPing() {
	s.lastPingNs.Store(time.Now().UnixNano())
}

func (s *channelStats) setLastError(err error) {
	if err == nil {
		return
	}
	s.lastErrorValue.Store(err.Error())
}

// StatsSnapshot is a JSON-friendly view of the channel
type StatsSnapshot struct {
	State            string `json:"state"`
	Encoding         string `json:"encoding,omitempty"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
	Reconnects       int64  `json:"reconnects"`
	Subscribers      int    `json:"subscribers"`
	BytesRecvTotal   int64  `json:"bytes_recv_total"`
	FramesRecvTotal  int64  `json:"frames_recv_total"`
	FramesDropped    int64  `json:"frames_dropped"`
	ConnectedAtNs    int64  `json:"connected_at_ns,omitempty"`
	DisconnectedAtNs int64  `json:"disconnected_at_ns,omitempty"`
	LastRecvAtNs     int64  `json:"last_recv_at_ns,omitempty"`
	LastPingAtNs     int64  `json:"last_ping_at_ns,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}
