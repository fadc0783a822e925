package main

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftdrop/internal/dropsdk"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newFetchCmd())
}

func newFetchCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "fetch <key> [dest]",
		Short: "Download a stored object through a read grant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			key := args[0]
			dest, err := fetchDest(key, cfg.DownloadDir, args[1:], force)
			if err != nil {
				return err
			}

			sdk, err := dropsdk.New(&dropsdk.Config{BaseURL: cfg.ServerURL, AccessToken: cfg.AccessToken})
			if err != nil {
				return err
			}
			defer sdk.Close()

			grant, err := sdk.Grants.Download(cmd.Context(), key)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tty := isTerminal(out)
			saved, err := dropsdk.DownloadGranted(cmd.Context(), grant, dest, func(downloaded, total int64) {
				if !tty || total <= 0 {
					return
				}
				fmt.Fprintf(out, "\r%s %s / %s", cyan.Render("fetching"), humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)))
			})
			if tty {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s %s %s %s\n", green.Render("✓"), key, gray.Render("→"), saved)
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", ".", "directory for downloads")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

// fetchDest picks where a fetched object is written. A destination that is a
// directory receives the object under its base name.
func fetchDest(key, downloadDir string, args []string, force bool) (string, error) {
	dest := filepath.Join(downloadDir, path.Base(key))
	if len(args) > 0 {
		dest = args[0]
		if utils.DirExists(dest) {
			dest = filepath.Join(dest, path.Base(key))
		}
	}

	if utils.FileExists(dest) && !force {
		return "", fmt.Errorf("%s already exists, use --force to overwrite", dest)
	}
	return dest, nil
}
