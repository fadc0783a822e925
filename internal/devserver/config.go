package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/syftdrop/internal/utils"
)

const (
	DefaultAddr      = "127.0.0.1:7938"
	DefaultGrantTTL  = 300 * time.Second
	DefaultRateLimit = "20-S"
	DefaultKeyPrefix = "uploads"

	BackendLocal = "local"
	BackendS3    = "s3"
)

type Config struct {
	HTTP       *HTTPConfig       `mapstructure:"http"`
	Auth       *AuthConfig       `mapstructure:"auth"`
	Blob       *BlobConfig       `mapstructure:"blob"`
	Grants     *GrantsConfig     `mapstructure:"grants"`
	Processing *ProcessingConfig `mapstructure:"processing"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicURL is the base url put into local grant urls. Derived from the request when empty.
	PublicURL string `mapstructure:"public_url"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
}

type AuthConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TokenIssuer       string        `mapstructure:"token_issuer"`
	AccessTokenSecret string        `mapstructure:"access_token_secret"`
	AccessTokenExpiry time.Duration `mapstructure:"access_token_expiry"`
}

type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	// Dir is the root of the local object store
	Dir string `mapstructure:"dir"`
	// SigningSecret signs local grant urls. Generated when empty.
	SigningSecret string    `mapstructure:"signing_secret"`
	S3            *S3Config `mapstructure:"s3"`
}

type S3Config struct {
	BucketName    string `mapstructure:"bucket_name"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Endpoint      string `mapstructure:"endpoint"`
	UseAccelerate bool   `mapstructure:"use_accelerate"`
}

type GrantsConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	// RateLimit is a ulule/limiter formatted rate, e.g. "20-S"
	RateLimit string `mapstructure:"rate_limit"`
}

type ProcessingConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Workers   int           `mapstructure:"workers"`
	StepDelay time.Duration `mapstructure:"step_delay"`
	// FailPatterns are doublestar globs of file names whose processing fails
	FailPatterns []string `mapstructure:"fail_patterns"`
	// PollInterval is how often S3 is checked for granted objects
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig is a local, auth-enabled setup suitable for development
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{Addr: DefaultAddr},
		Auth: &AuthConfig{
			Enabled:           true,
			TokenIssuer:       "syftdrop-dev",
			AccessTokenExpiry: 24 * time.Hour,
		},
		Blob: &BlobConfig{
			Backend: BackendLocal,
			Dir:     "./.syftdrop/blobs",
			S3:      &S3Config{},
		},
		Grants: &GrantsConfig{
			TTL:       DefaultGrantTTL,
			KeyPrefix: DefaultKeyPrefix,
			RateLimit: DefaultRateLimit,
		},
		Processing: &ProcessingConfig{
			Enabled:      true,
			Workers:      4,
			StepDelay:    500 * time.Millisecond,
			FailPatterns: []string{"*.invalid", "*.exe"},
			PollInterval: 2 * time.Second,
		},
	}
}

func (c *Config) Validate() error {
	if c.HTTP == nil || c.Auth == nil || c.Blob == nil || c.Grants == nil || c.Processing == nil {
		return errors.New("config sections http, auth, blob, grants and processing are required")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http `addr` is required")
	}
	if c.HTTP.PublicURL != "" && !utils.IsValidURL(c.HTTP.PublicURL) {
		return fmt.Errorf("invalid http `public_url` %q", c.HTTP.PublicURL)
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Blob.Validate(); err != nil {
		return err
	}
	if c.Grants.TTL <= 0 {
		return errors.New("grants `ttl` must be positive")
	}
	if c.Blob.Backend == BackendS3 && c.Processing.PollInterval <= 0 {
		return errors.New("processing `poll_interval` must be positive for the s3 backend")
	}
	if c.Processing.Workers < 1 {
		return errors.New("processing `workers` must be at least 1")
	}
	for _, p := range c.Processing.FailPatterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid processing fail pattern %q", p)
		}
	}
	return nil
}

func (c *AuthConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("enabled", c.Enabled),
		slog.String("token_issuer", c.TokenIssuer),
		slog.String("access_token_secret", utils.MaskSecret(c.AccessTokenSecret)),
		slog.Duration("access_token_expiry", c.AccessTokenExpiry),
	)
}

func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TokenIssuer == "" {
		return errors.New("auth `token_issuer` is required when auth is enabled")
	}
	if c.AccessTokenSecret == "" {
		return errors.New("auth `access_token_secret` is required when auth is enabled")
	}
	return nil
}

func (c *BlobConfig) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("backend", c.Backend),
		slog.String("dir", c.Dir),
		slog.String("signing_secret", utils.MaskSecret(c.SigningSecret)),
	}
	if c.S3 != nil {
		attrs = append(attrs, slog.Any("s3", c.S3))
	}
	return slog.GroupValue(attrs...)
}

func (c *BlobConfig) Validate() error {
	switch c.Backend {
	case BackendLocal:
		if c.Dir == "" {
			return errors.New("blob `dir` is required for the local backend")
		}
	case BackendS3:
		if c.S3 == nil {
			return errors.New("blob `s3` section is required for the s3 backend")
		}
		return c.S3.Validate()
	default:
		return fmt.Errorf("unknown blob backend %q", c.Backend)
	}
	return nil
}

func (c *S3Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("bucket_name", c.BucketName),
		slog.String("region", c.Region),
		slog.String("endpoint", c.Endpoint),
		slog.String("access_key", utils.MaskSecret(c.AccessKey)),
		slog.String("secret_key", utils.MaskSecret(c.SecretKey)),
	)
}

func (c *S3Config) Validate() error {
	if c.BucketName == "" {
		return errors.New("bucket_name required")
	}
	if c.Region == "" {
		return errors.New("region required")
	}
	if c.AccessKey == "" {
		return errors.New("access_key required")
	}
	if c.SecretKey == "" {
		return errors.New("secret_key required")
	}
	if c.Endpoint != "" && !utils.IsValidURL(c.Endpoint) {
		return fmt.Errorf("invalid endpoint URL %q", c.Endpoint)
	}
	return nil
}
