package progress

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelStopped is returned by Start when Stop was called while the handshake was running
	ErrChannelStopped = errors.New("progress: channel stopped")
	// ErrNoServerURL is returned when the channel has no server to dial
	ErrNoServerURL = errors.New("progress: server url is required")
)

// ChannelConnectError is a failed initial handshake
type ChannelConnectError struct {
	URL        string
	StatusCode int // HTTP status of a rejected upgrade, 0 if the server was unreachable
	Err        error
}

func (e *ChannelConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("progress: connect %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("progress: connect %s: %v", e.URL, e.Err)
}

func (e *ChannelConnectError) Unwrap() error {
	return e.Err
}
