package dropsdk

import (
	"time"

	"github.com/openmined/syftdrop/internal/utils"
)

const (
	DefaultBaseURL = "http://127.0.0.1:7938"

	// DefaultGrantTTL is used when the issuer does not return an expiry.
	// Observed grant validity is 300s.
	DefaultGrantTTL = 300 * time.Second
)

// Config is the configuration for the SDK
type Config struct {
	BaseURL        string        // BaseURL is required
	AccessToken    string        // AccessToken is optional for grant requests, required by most servers for events
	RequestTimeout time.Duration // RequestTimeout defaults to 30s
	GrantTTL       time.Duration // GrantTTL is the fallback grant lifetime
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoServerURL
	}

	if !utils.IsValidURL(c.BaseURL) {
		return ErrInvalidServerURL
	}

	return nil
}

func (c *Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return defaultRequestTimeout
}

func (c *Config) grantTTL() time.Duration {
	if c.GrantTTL > 0 {
		return c.GrantTTL
	}
	return DefaultGrantTTL
}
