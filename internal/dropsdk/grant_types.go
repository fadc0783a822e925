package dropsdk

import (
	"sync/atomic"
	"time"
)

// UploadGrantRequest is the body of POST /api/v1/grants/upload
type UploadGrantRequest struct {
	FileName      string `json:"fileName"`
	FileType      string `json:"fileType"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// UploadGrantResponse is returned by the upload grant endpoint
type UploadGrantResponse struct {
	UploadURL string    `json:"uploadUrl"`
	FileKey   string    `json:"fileKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DownloadGrantResponse is returned by the read grant endpoint
type DownloadGrantResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ===================================================================================================

// Grant is a short-lived, single-use authorization for exactly one PUT or GET
// against blob storage.
type Grant struct {
	Key           string
	URL           string
	ExpiresAt     time.Time
	CorrelationID string

	claimed atomic.Bool
}

// Expired reports whether the grant can no longer be used at t
func (g *Grant) Expired(t time.Time) bool {
	return !t.Before(g.ExpiresAt)
}

// Remaining returns how long the grant stays valid after t
func (g *Grant) Remaining(t time.Time) time.Duration {
	return max(g.ExpiresAt.Sub(t), 0)
}

// Claim marks the grant as used. Only the first caller gets true.
func (g *Grant) Claim() bool {
	return g.claimed.CompareAndSwap(false, true)
}

// Claimed reports whether a transfer has already used this grant
func (g *Grant) Claimed() bool {
	return g.claimed.Load()
}
