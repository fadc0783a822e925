package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftdrop/internal/client/config"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/openmined/syftdrop/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "SYFTDROP"
	configFileName = "config"
)

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:           "syftdrop",
	Short:         "Upload files straight to storage and follow their processing",
	Version:       version.Detailed(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		setupLogging(verbose)
		return nil
	},
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", config.DefaultConfigPath, "config file")
	fs.StringP("server", "s", config.DefaultServerURL, "drop server url")
	fs.StringP("token", "t", "", "access token")
	fs.BoolP("verbose", "v", false, "debug logging")
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red.Render("Error:"), err)
		os.Exit(1)
	}
}

// setupLogging logs to stdout with tint and to the log file in plain text
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	stdoutHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})

	var file io.Writer = io.Discard
	if err := utils.EnsureParent(config.DefaultLogFilePath); err == nil {
		if f, err := os.OpenFile(config.DefaultLogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			file = f
		}
	}
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
}

// loadConfig merges the config file, SYFTDROP_* env vars and flags, in increasing precedence
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		v.SetConfigFile(configFilePath)
	} else if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home, ".config", "syftdrop"))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	defaults := config.Default()
	v.SetDefault("server_url", defaults.ServerURL)
	v.SetDefault("max_concurrency", defaults.MaxConcurrency)
	v.SetDefault("reissue_expired", defaults.ReissueExpired)
	v.SetDefault("encoding", defaults.Encoding)
	v.SetDefault("download_dir", defaults.DownloadDir)

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	bind := map[string]string{
		"server_url":      "server",
		"access_token":    "token",
		"max_concurrency": "concurrency",
		"encoding":        "encoding",
		"download_dir":    "output",
	}
	for key, flag := range bind {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if cfg.Path == "" {
		cfg.Path = config.DefaultConfigPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("config loaded", "config", cfg)
	return cfg, nil
}
