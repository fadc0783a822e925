package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/openmined/syftdrop/internal/devserver"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultDevUser = "dev@syftdrop.local"

func init() {
	rootCmd.AddCommand(newServerCmd())
}

func newServerCmd() *cobra.Command {
	var configFile, user string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the local development server",
		Long: `Runs a grant issuer, a signed-url blob store (or S3 presigning) and a push
channel that reports simulated processing for every stored object.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(cmd, configFile)
			if err != nil {
				return err
			}

			slog.Debug("dev server config", "addr", cfg.HTTP.Addr, "auth", cfg.Auth, "blob", cfg.Blob)

			srv, err := devserver.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			token, err := srv.AccessToken(user)
			if err != nil {
				return err
			}
			printServerBanner(cmd, cfg, user, token)

			defer slog.Info("Bye!")
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&configFile, "server-config", "", "server config file (json, yaml or toml)")
	cmd.Flags().StringVar(&user, "user", defaultDevUser, "subject of the printed access token")
	cmd.Flags().StringP("addr", "a", devserver.DefaultAddr, "address to bind")
	cmd.Flags().String("public-url", "", "base url put into grant urls")
	cmd.Flags().String("backend", devserver.BackendLocal, "blob backend, local or s3")
	cmd.Flags().String("blob-dir", "", "root of the local blob store")
	cmd.Flags().Bool("no-auth", false, "accept requests without an access token")
	cmd.Flags().Duration("grant-ttl", devserver.DefaultGrantTTL, "grant validity")
	cmd.Flags().Duration("step-delay", 0, "delay between simulated processing steps")
	cmd.Flags().String("cert", "", "tls certificate file")
	cmd.Flags().String("key", "", "tls key file")
	return cmd
}

// loadServerConfig layers defaults, the config file, SYFTDROP_SERVER_* env vars and flags
func loadServerConfig(cmd *cobra.Command, configFile string) (*devserver.Config, error) {
	cfg := devserver.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix + "_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{
		"auth.access_token_secret",
		"blob.signing_secret",
		"blob.s3.bucket_name",
		"blob.s3.region",
		"blob.s3.access_key",
		"blob.s3.secret_key",
		"blob.s3.endpoint",
	} {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("server config read '%s': %w", configFile, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("server config decode: %w", err)
	}

	flags := cmd.Flags()
	if f := flags.Lookup("addr"); f.Changed {
		cfg.HTTP.Addr = f.Value.String()
	}
	if f := flags.Lookup("public-url"); f.Changed {
		cfg.HTTP.PublicURL = f.Value.String()
	}
	if f := flags.Lookup("backend"); f.Changed {
		cfg.Blob.Backend = f.Value.String()
	}
	if f := flags.Lookup("blob-dir"); f.Changed {
		cfg.Blob.Dir = f.Value.String()
	}
	if noAuth, _ := flags.GetBool("no-auth"); noAuth {
		cfg.Auth.Enabled = false
	}
	if flags.Lookup("grant-ttl").Changed {
		cfg.Grants.TTL, _ = flags.GetDuration("grant-ttl")
	}
	if flags.Lookup("step-delay").Changed {
		cfg.Processing.StepDelay, _ = flags.GetDuration("step-delay")
	}
	if f := flags.Lookup("cert"); f.Changed {
		cfg.HTTP.CertFile = f.Value.String()
	}
	if f := flags.Lookup("key"); f.Changed {
		cfg.HTTP.KeyFile = f.Value.String()
	}

	if cfg.Auth.Enabled && cfg.Auth.AccessTokenSecret == "" {
		cfg.Auth.AccessTokenSecret = utils.TokenHex(32)
		slog.Warn("server using an ephemeral token secret, tokens stop working after restart")
	}

	return cfg, cfg.Validate()
}

func printServerBanner(cmd *cobra.Command, cfg *devserver.Config, user, token string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("syftdrop dev server"))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("listening"), cfg.HTTP.Addr)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("backend"), cfg.Blob.Backend)
	if token == "" {
		fmt.Fprintf(out, "%s %s\n\n", labelStyle.Render("auth"), yellow.Render("disabled"))
		return
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("user"), user)
	fmt.Fprintf(out, "%s %s\n\n", labelStyle.Render("token"), cyan.Render(token))
	fmt.Fprintln(out, gray.Render("export "+envPrefix+"_ACCESS_TOKEN="+token))
	fmt.Fprintln(out)
}
