package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftdrop/internal/client/config"
	"github.com/openmined/syftdrop/internal/progress"
	"github.com/openmined/syftdrop/internal/session"
	"github.com/openmined/syftdrop/internal/transfer"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newUploadCmd())
}

func newUploadCmd() *cobra.Command {
	var noWait, plain bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "upload <file|glob>...",
		Short: "Upload files and follow their processing",
		Example: `  syftdrop upload song.mp3
  syftdrop upload "recordings/**/*.wav" --concurrency 8`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			payloads := make([]*transfer.Payload, 0, len(paths))
			for _, p := range paths {
				payload, err := transfer.FilePayload(p)
				if err != nil {
					return err
				}
				payloads = append(payloads, payload)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			return runUpload(ctx, cmd.OutOrStdout(), cfg, payloads, !noWait, plain)
		},
	}

	cmd.Flags().Int("concurrency", config.DefaultMaxConcurrency, "parallel transfers, 0 for unbounded")
	cmd.Flags().String("encoding", "json", "push channel encoding, json or msgpack")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the bytes are stored")
	cmd.Flags().BoolVar(&plain, "plain", false, "line based output instead of the interactive view")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long")
	return cmd
}

const connectTimeout = 5 * time.Second

func runUpload(ctx context.Context, out io.Writer, cfg *config.Config, payloads []*transfer.Payload, waitProcessing, plain bool) error {
	up, err := newUploader(cfg, session.NotifierFunc(func(n session.Notification) {
		slog.Log(context.Background(), n.Level, n.Title, "message", n.Message)
	}))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		up.close(closeCtx)
	}()

	if waitProcessing {
		// events for a session are only delivered to connections open when they are sent
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := up.channel.Start(connectCtx); err != nil {
			slog.Warn("progress channel", "error", err)
		}
		cancel()
	}

	s, err := up.manager.StartUpload(ctx, payloads...)
	if err != nil {
		return err
	}

	var snap session.Snapshot
	if plain || !isTerminal(out) {
		snap, err = followPlain(ctx, out, s, waitProcessing)
	} else {
		snap, err = followTUI(ctx, out, s, waitProcessing)
	}
	if err != nil {
		s.Cancel()
		return err
	}

	results, _ := s.Wait(ctx)
	return printSummary(out, results, snap, waitProcessing)
}

// finished reports whether nothing more is expected for the session
func finished(snap session.Snapshot, waitProcessing bool) bool {
	if !waitProcessing {
		return snap.UploadDone
	}
	if snap.Terminal() {
		return true
	}
	if !snap.UploadDone {
		return false
	}
	if snap.FilesUploaded == 0 {
		return true
	}
	// without a push channel no processing result can arrive
	return snap.ConnState == progress.Disconnected
}

func followPlain(ctx context.Context, out io.Writer, s *session.Session, waitProcessing bool) (session.Snapshot, error) {
	updates, cancel := s.Updates()
	defer cancel()

	lastUpload := -1
	lastStep := ""
	snap := s.Snapshot()

	for !finished(snap, waitProcessing) {
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case snap = <-updates:
		}

		if bucket := int(snap.UploadProgress) / 10 * 10; bucket > lastUpload {
			lastUpload = bucket
			fmt.Fprintf(out, "upload     %3d%%\n", bucket)
		}
		if waitProcessing && snap.Step != "" && snap.Step != lastStep {
			lastStep = snap.Step
			fmt.Fprintf(out, "processing %3.0f%% %s\n", snap.Percent(), snap.Step)
		}
	}
	return snap, nil
}

func printSummary(out io.Writer, results []transfer.Result, snap session.Snapshot, waitProcessing bool) error {
	failed := 0
	for _, r := range results {
		if r.Status == transfer.StatusSucceeded {
			fmt.Fprintf(out, "%s %s %s %s\n", green.Render("✓"), r.Name, gray.Render("→"), r.Key)
			continue
		}
		failed++
		msg := r.Status.String()
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(out, "%s %s %s\n", red.Render("✗"), r.Name, lightGray.Render(msg))
	}

	var total uint64
	for _, r := range results {
		total += uint64(r.Bytes)
	}
	fmt.Fprintf(out, "%s %d/%d files, %s\n", bold.Render("uploaded"), len(results)-failed, len(results), humanize.Bytes(total))

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(results))
	}
	if !waitProcessing {
		return nil
	}

	switch snap.Outcome {
	case session.OutcomeSucceeded:
		fmt.Fprintln(out, green.Render("processing completed"))
	case session.OutcomeFailed:
		return fmt.Errorf("processing failed: %s", snap.Error)
	default:
		fmt.Fprintln(out, yellow.Render("processing status unknown, push channel unavailable"))
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

var errAborted = errors.New("aborted")
