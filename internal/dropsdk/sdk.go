package dropsdk

import (
	"net/http"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/openmined/syftdrop/internal/version"
)

const (
	HeaderUserAgent     = "User-Agent"
	HeaderDropVersion   = "X-Drop-Version"
	HeaderDropDeviceId  = "X-Drop-Device-Id"
	HeaderAuthorization = "Authorization"
)

// SDK is the client for the grant issuance API.
// Payload bytes never go through it, only grant requests.
type SDK struct {
	client  *req.Client
	baseURL string
	stats   *httpStats

	mu          sync.RWMutex
	accessToken string

	Grants *GrantAPI
}

// New creates a new SDK client
func New(cfg *Config) (*SDK, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stats := newHTTPStats()
	setGlobalHTTPStats(stats)

	client := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.requestTimeout()).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderDropVersion, version.Version).
		SetCommonHeader(HeaderDropDeviceId, utils.HWID).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		OnAfterResponse(func(_ *req.Client, resp *req.Response) error {
			if resp.Err != nil {
				stats.setLastError(resp.Err)
			}
			return nil
		})

	sdk := &SDK{
		client:  client,
		baseURL: cfg.BaseURL,
		stats:   stats,
	}
	sdk.SetAccessToken(cfg.AccessToken)
	sdk.Grants = newGrantAPI(client, cfg.grantTTL())

	return sdk, nil
}

// BaseURL returns the server url this sdk talks to
func (s *SDK) BaseURL() string {
	return s.baseURL
}

// SetAccessToken sets the bearer credential used for grant requests and the progress channel
func (s *SDK) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = token
	if token == "" {
		s.client.Headers.Del(HeaderAuthorization)
		return
	}
	s.client.SetCommonBearerAuthToken(token)
}

// AuthHeader returns the headers the progress channel must present during its handshake
func (s *SDK) AuthHeader() http.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := http.Header{}
	h.Set(HeaderUserAgent, version.UserAgent())
	h.Set(HeaderDropVersion, version.Version)
	if s.accessToken != "" {
		h.Set(HeaderAuthorization, "Bearer "+s.accessToken)
	}
	return h
}

// Stats returns a snapshot of HTTP traffic, including presigned transfers
func (s *SDK) Stats() HTTPStatsSnapshot {
	return s.stats.snapshot()
}

// Close releases idle connections
func (s *SDK) Close() {
	s.client.GetTransport().CloseIdleConnections()
}

// grant urls are valid for ~5 minutes, so a slow grant endpoint is as bad as a dead one
const defaultRequestTimeout = 30 * time.Second
