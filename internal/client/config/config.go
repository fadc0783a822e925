package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/openmined/syftdrop/internal/wsproto"
)

const (
	DefaultMaxConcurrency = 4
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".syftdrop")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "syftdrop.log")
	DefaultServerURL   = "http://127.0.0.1:7938"
)

var (
	ErrInvalidServerURL = errors.New("invalid server url")
	ErrInvalidEncoding  = errors.New("invalid encoding")
)

// Config is the uploader's configuration
type Config struct {
	ServerURL   string `json:"server_url" mapstructure:"server_url"`
	AccessToken string `json:"access_token,omitempty" mapstructure:"access_token"`

	// MaxConcurrency bounds parallel transfers, 0 is unbounded
	MaxConcurrency int `json:"max_concurrency" mapstructure:"max_concurrency"`

	// ReissueExpired requests a fresh grant once when a grant expires before its transfer starts
	ReissueExpired bool `json:"reissue_expired" mapstructure:"reissue_expired"`

	// Encoding is the preferred push channel frame encoding, json or msgpack
	Encoding string `json:"encoding,omitempty" mapstructure:"encoding"`

	DownloadDir string `json:"download_dir,omitempty" mapstructure:"download_dir"`

	Path string `json:"-" mapstructure:"-"`
}

// Default returns a config pointing at a local dev server
func Default() *Config {
	return &Config{
		ServerURL:      DefaultServerURL,
		MaxConcurrency: DefaultMaxConcurrency,
		ReissueExpired: true,
		Encoding:       wsproto.EncodingJSON.String(),
		DownloadDir:    ".",
		Path:           DefaultConfigPath,
	}
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server_url", c.ServerURL),
		slog.String("access_token", utils.MaskSecret(c.AccessToken)),
		slog.Int("max_concurrency", c.MaxConcurrency),
		slog.Bool("reissue_expired", c.ReissueExpired),
		slog.String("encoding", c.Encoding),
		slog.String("path", c.Path),
	)
}

// Validate normalizes paths and urls and rejects unusable values
func (c *Config) Validate() error {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if !utils.IsValidURL(c.ServerURL) || strings.HasPrefix(c.ServerURL, "ws") {
		return fmt.Errorf("%w: %q", ErrInvalidServerURL, c.ServerURL)
	}

	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must not be negative, got %d", c.MaxConcurrency)
	}

	c.Encoding = strings.ToLower(strings.TrimSpace(c.Encoding))
	switch c.Encoding {
	case "":
		c.Encoding = wsproto.EncodingJSON.String()
	case wsproto.EncodingJSON.String(), wsproto.EncodingMsgPack.String():
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEncoding, c.Encoding)
	}

	if c.DownloadDir != "" {
		dir, err := utils.ResolvePath(c.DownloadDir)
		if err != nil {
			return fmt.Errorf("download dir: %w", err)
		}
		c.DownloadDir = dir
	}

	if c.Path != "" {
		path, err := utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config path: %w", err)
		}
		c.Path = path
	}

	return nil
}

// WSEncoding returns the parsed push channel encoding
func (c *Config) WSEncoding() wsproto.Encoding {
	return wsproto.PreferredEncoding(c.Encoding)
}

func (c *Config) Save() error {
	if c.Path == "" {
		return errors.New("config path not set")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// the file holds a bearer credential
	return os.WriteFile(c.Path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	cfg.Path = path

	return cfg, nil
}
