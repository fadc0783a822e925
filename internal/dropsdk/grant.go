package dropsdk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imroc/req/v3"
)

const (
	v1GrantUpload   = "/api/v1/grants/upload"
	v1GrantDownload = "/api/v1/grants/download"
)

// GrantAPI requests upload and read grants
type GrantAPI struct {
	client *req.Client
	ttl    time.Duration
	now    func() time.Time
}

func newGrantAPI(client *req.Client, ttl time.Duration) *GrantAPI {
	return &GrantAPI{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Upload requests a single-use PUT grant for one file
func (g *GrantAPI) Upload(ctx context.Context, params *UploadGrantRequest) (*Grant, error) {
	if params.FileName == "" {
		return nil, ErrNoFileName
	}

	var apiResp *UploadGrantResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetBody(params).
		SetSuccessResult(&apiResp).
		Post(v1GrantUpload)

	if err := handleGrantError(resp, err, "grant upload"); err != nil {
		return nil, err
	}

	if apiResp == nil || apiResp.UploadURL == "" || apiResp.FileKey == "" {
		return nil, &GrantError{Op: "grant upload", Status: resp.GetStatusCode(), Err: ErrInvalidGrant}
	}

	grant := &Grant{
		Key:           apiResp.FileKey,
		URL:           apiResp.UploadURL,
		ExpiresAt:     g.expiry(apiResp.ExpiresAt),
		CorrelationID: params.CorrelationID,
	}
	slog.Debug("grant issued", "op", "upload", "key", grant.Key, "expiresIn", grant.Remaining(g.now()))
	return grant, nil
}

// Download requests a single-use GET grant for a stored object
func (g *GrantAPI) Download(ctx context.Context, key string) (*Grant, error) {
	if key == "" {
		return nil, ErrNoKey
	}

	var apiResp *DownloadGrantResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetQueryParam("key", key).
		SetSuccessResult(&apiResp).
		Get(v1GrantDownload)

	if err := handleGrantError(resp, err, "grant download"); err != nil {
		return nil, err
	}

	if apiResp == nil || apiResp.URL == "" {
		return nil, &GrantError{Op: "grant download", Status: resp.GetStatusCode(), Err: ErrInvalidGrant}
	}

	grant := &Grant{
		Key:       key,
		URL:       apiResp.URL,
		ExpiresAt: g.expiry(apiResp.ExpiresAt),
	}
	slog.Debug("grant issued", "op", "download", "key", key, "expiresIn", grant.Remaining(g.now()))
	return grant, nil
}

func (g *GrantAPI) expiry(fromServer time.Time) time.Time {
	if fromServer.IsZero() {
		return g.now().Add(g.ttl)
	}
	return fromServer
}

// String is used in debug logs
func (g *Grant) String() string {
	return fmt.Sprintf("grant(%s, expires %s)", g.Key, g.ExpiresAt.Format(time.RFC3339))
}
