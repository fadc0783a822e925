package dropsdk

import (
	"io"
	"sync/atomic"
	"time"
)

// httpStats tracks HTTP traffic of grant requests and presigned transfers.
type httpStats struct {
	bytesSent  atomic.Int64
	bytesRecv  atomic.Int64
	lastSentNs atomic.Int64
	lastRecvNs atomic.Int64

	lastErrorValue atomic.Value // string
}

func newHTTPStats() *httpStats {
	s := &httpStats{}
	s.lastErrorValue.Store("")
	return s
}

func (s *httpStats) onSend(n int) {
	if n <= 0 {
		return
	}
	s.bytesSent.Add(int64(n))
	s.lastSentNs.Store(time.Now().UnixNano())
}

func (s *httpStats) onRecv(n int) {
	if n <= 0 {
		return
	}
	s.bytesRecv.Add(int64(n))
	s.lastRecvNs.Store(time.Now().UnixNano())
}

func (s *httpStats) setLastError(err error) {
	if err == nil {
		return
	}
	s.lastErrorValue.Store(err.Error())
}

func (s *httpStats) snapshot() HTTPStatsSnapshot {
	return HTTPStatsSnapshot{
		BytesSentTotal: s.bytesSent.Load(),
		BytesRecvTotal: s.bytesRecv.Load(),
		LastSentAtNs:   s.lastSentNs.Load(),
		LastRecvAtNs:   s.lastRecvNs.Load(),
		LastError:      s.lastErrorValue.Load().(string),
	}
}

// globalHTTPStats is a process-wide sink used by presigned transfers
// that bypass the req.Client. New sets it once per process.
var globalHTTPStats atomic.Pointer[httpStats]

func setGlobalHTTPStats(s *httpStats) {
	if s == nil {
		return
	}
	globalHTTPStats.Store(s)
}

// CountSent records bytes written by a presigned transfer
func CountSent(n int) {
	if s := globalHTTPStats.Load(); s != nil {
		s.onSend(n)
	}
}

// RecordTransferError records the last presigned transfer failure
func RecordTransferError(err error) {
	if s := globalHTTPStats.Load(); s != nil {
		s.setLastError(err)
	}
}

// CountingReader wraps r so bytes read from it are recorded as sent traffic
func CountingReader(r io.Reader) io.Reader {
	return &countingReader{r: r, onRead: CountSent}
}

type countingReader struct {
	r      io.Reader
	onRead func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

// HTTPStatsSnapshot is a stable, JSON-friendly view of HTTP traffic.
type HTTPStatsSnapshot struct {
	BytesSentTotal int64  `json:"bytes_sent_total"`
	BytesRecvTotal int64  `json:"bytes_recv_total"`
	LastSentAtNs   int64  `json:"last_sent_at_ns,omitempty"`
	LastRecvAtNs   int64  `json:"last_recv_at_ns,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}
