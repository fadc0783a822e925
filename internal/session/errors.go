package session

import "errors"

var (
	// ErrStaleEvent is returned for events addressed to a session that was reset, replaced or never existed
	ErrStaleEvent = errors.New("session: stale event")
	// ErrNoFiles is returned by StartUpload without payloads
	ErrNoFiles = errors.New("session: no files to upload")
	// ErrNoCoordinator is returned by NewManager without an upload coordinator
	ErrNoCoordinator = errors.New("session: upload coordinator is required")
)
