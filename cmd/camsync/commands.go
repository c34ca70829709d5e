package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eargollo/camsync/internal/api"
	"github.com/eargollo/camsync/internal/digest"
	"github.com/eargollo/camsync/internal/media"
	"github.com/eargollo/camsync/internal/pipeline"
	"github.com/eargollo/camsync/internal/scheduler"
)

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload [dir]",
		Short: "Scan a directory and upload the files not seen before",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			dir, err := a.sourceDir(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			rem, err := a.openRemote(ctx)
			if err != nil {
				return err
			}
			pc, err := a.pipelineConfig(dir)
			if err != nil {
				return err
			}

			rep, err := pipeline.NewRunner(database, rem, pc).Run(ctx, "cli", nil)
			if rep != nil {
				printReport(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
}

// printReport writes the summary followed by every file that needs
// attention, so failed uploads can be retried by path.
func printReport(w io.Writer, rep *pipeline.Report) {
	fmt.Fprint(w, rep.Summary())
	for _, f := range rep.UploadFailures {
		fmt.Fprintf(w, "  failed      %s -> %s (%s: %s)\n", f.Source, f.Destination, f.Stage, f.Reason)
	}
	for _, f := range rep.FinalizeFailures {
		state := "not committed"
		if f.Indeterminate {
			state = "indeterminate"
		}
		fmt.Fprintf(w, "  unfinalized %s -> %s batch %d %s (%s)\n", f.Source, f.Destination, f.Batch, state, f.Reason)
	}
}

func newResetIndexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-index",
		Short: "Rebuild the uploaded-file index from the remote folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			rem, err := a.openRemote(ctx)
			if err != nil {
				return err
			}

			rep, err := pipeline.ResetIndex(ctx, database, rem, a.remoteDir())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listed %s, recorded %s\n", humanize.Comma(int64(rep.Listed)), humanize.Comma(int64(rep.Recorded)))
			for _, p := range rep.Conflicts {
				fmt.Fprintf(out, "  conflict  %s\n", p)
			}
			for _, p := range rep.Unhashed {
				fmt.Fprintf(out, "  no hash   %s\n", p)
			}
			return nil
		},
	}
}

func newMetaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "meta <file>",
		Short: "Show the capture time and digests of one file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}
			return printMeta(cmd.OutOrStdout(), args[0], loc)
		},
	}
}

func printMeta(w io.Writer, path string, loc *time.Location) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	cat := media.Classify(path)
	fmt.Fprintf(w, "file          %s\n", path)
	fmt.Fprintf(w, "size          %s\n", humanize.IBytes(uint64(fi.Size())))
	fmt.Fprintf(w, "category      %s\n", cat)

	if t, err := media.CaptureTime(f, cat, loc); err != nil {
		fmt.Fprintf(w, "captured      - (%v)\n", err)
	} else {
		fmt.Fprintf(w, "captured      %s\n", t.Format(time.RFC3339))
		fmt.Fprintf(w, "bucket        %s\n", media.BucketKey(t))
	}
	if cat == media.Picture {
		m := media.ExtractImageMeta(f)
		if m.CameraMake != "" || m.CameraModel != "" {
			fmt.Fprintf(w, "camera        %s %s\n", m.CameraMake, m.CameraModel)
		}
		if m.Orientation != "" {
			fmt.Fprintf(w, "orientation   %s\n", m.Orientation)
		}
	}

	sum, err := digest.SHA256(f)
	if err != nil {
		return fmt.Errorf("sha256: %w", err)
	}
	fmt.Fprintf(w, "sha256        %s\n", sum)
	hash, err := digest.ContentHash(f)
	if err != nil {
		return fmt.Errorf("content hash: %w", err)
	}
	fmt.Fprintf(w, "content hash  %s\n", hash)
	return nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled uploads and serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			cfg := a.cfg
			slog.Info("camsync starting",
				"version", version,
				"log_level", cfg.LogLevel,
				"http_addr", cfg.HTTPAddr,
				"db_path", cfg.DBPath,
				"root", cfg.Root,
				"remote", cfg.Remote.Kind)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			// Runs left 'running' by a previous process can never finish.
			if err := pipeline.MarkStaleRunsFailed(ctx, database); err != nil {
				slog.Warn("mark stale runs", "error", err)
			}

			rem, err := a.openRemote(ctx)
			if err != nil {
				return err
			}
			dir, err := a.sourceDir(nil)
			if err != nil {
				return err
			}
			pc, err := a.pipelineConfig(dir)
			if err != nil {
				return err
			}
			mgr := pipeline.NewManager(pipeline.NewRunner(database, rem, pc))

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			sched := scheduler.New(loc)
			if err := sched.SetJob(cfg.Schedule, func() {
				slog.Info("scheduled run triggered")
				if _, err := mgr.Start(ctx, "schedule"); err != nil {
					slog.Warn("scheduled run start", "error", err)
				}
			}); err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			srv := api.New(cfg.HTTPAddr, database, cfg, mgr, sched, version)
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("server: %w", err)
			}

			// Runs started over the API are not tied to ctx.
			if active, err := mgr.Cancel(); err == nil {
				<-active.Done()
			}
			slog.Info("camsync stopped")
			return nil
		},
	}
}
