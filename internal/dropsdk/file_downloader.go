package dropsdk

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/openmined/syftdrop/internal/version"
)

const (
	CodePresignedURLExpired   = "E_PRESIGNED_URL_EXPIRED"    // presigned URL has expired
	CodePresignedURLInvalid   = "E_PRESIGNED_URL_INVALID"    // presigned URL is malformed or invalid
	CodePresignedURLForbidden = "E_PRESIGNED_URL_FORBIDDEN"  // access denied to presigned URL
	CodePresignedURLNotFound  = "E_PRESIGNED_URL_NOT_FOUND"  // object not found via presigned URL
	CodePresignedURLRateLimit = "E_PRESIGNED_URL_RATE_LIMIT" // rate limited by storage
)

// DownloadCallback reports bytes received for a read grant transfer
type DownloadCallback func(downloaded int64, total int64)

// DownloadGranted fetches the object behind a read grant into destPath.
// The grant is claimed before the request is sent.
func DownloadGranted(ctx context.Context, grant *Grant, destPath string, callback DownloadCallback) (string, error) {
	if grant.Expired(time.Now()) {
		return "", fmt.Errorf("sdk: download %q: %w", grant.Key, NewAPIError(CodePresignedURLExpired, "expired"))
	}
	if !grant.Claim() {
		return "", fmt.Errorf("sdk: download %q: %w", grant.Key, NewAPIError(CodeGrantConsumed, "grant already used"))
	}

	if destPath == "" {
		destPath = filepath.Base(grant.Key)
	}
	if err := utils.EnsureParent(destPath); err != nil {
		return "", fmt.Errorf("sdk: download %q: %w", grant.Key, err)
	}

	var lastSeen int64
	resp, err := req.C().
		SetUserAgent(version.UserAgent()).
		R().
		SetContext(ctx).
		SetOutputFile(destPath).
		SetDownloadCallbackWithInterval(func(info req.DownloadInfo) {
			if info.DownloadedSize > lastSeen {
				if s := globalHTTPStats.Load(); s != nil {
					s.onRecv(int(info.DownloadedSize - lastSeen))
				}
				lastSeen = info.DownloadedSize
			}
			if callback != nil && info.Response != nil && info.Response.Response != nil {
				callback(info.DownloadedSize, info.Response.ContentLength)
			}
		}, 500*time.Millisecond).
		Get(grant.URL)

	if err != nil {
		RecordTransferError(err)
		return "", fmt.Errorf("sdk: download %q: %w", grant.Key, err)
	}

	if resp.IsErrorState() {
		// the error body lands in destPath because of SetOutputFile
		body, _ := os.ReadFile(destPath)
		_ = os.Remove(destPath)
		apiErr := presignedError(resp.GetStatusCode(), string(body))
		RecordTransferError(apiErr)
		return "", fmt.Errorf("sdk: download %q: %w", grant.Key, apiErr)
	}

	return destPath, nil
}

func presignedError(status int, body string) *APIError {
	switch status {
	case http.StatusForbidden:
		switch {
		case strings.Contains(body, "expired"):
			return NewAPIError(CodePresignedURLExpired, "expired")
		case strings.Contains(body, "SignatureDoesNotMatch"), strings.Contains(body, CodeGrantInvalid):
			return NewAPIError(CodePresignedURLInvalid, "invalid")
		default:
			return NewAPIError(CodePresignedURLForbidden, "access denied")
		}
	case http.StatusGone:
		return NewAPIError(CodeGrantConsumed, "grant already used")
	case http.StatusNotFound:
		return NewAPIError(CodePresignedURLNotFound, "not found")
	case http.StatusTooManyRequests:
		return NewAPIError(CodePresignedURLRateLimit, "rate limit exceeded")
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return NewAPIError(CodeInternalError, body)
	default:
		return NewAPIError(CodeUnknownError, body)
	}
}
