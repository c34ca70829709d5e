package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eargollo/camsync/internal/config"
	"github.com/eargollo/camsync/internal/db"
	"github.com/eargollo/camsync/internal/pipeline"
	"github.com/eargollo/camsync/internal/remote"
	"github.com/eargollo/camsync/internal/remote/dropbox"
	"github.com/eargollo/camsync/internal/remote/s3remote"
	"github.com/eargollo/camsync/internal/scan"
	"github.com/eargollo/camsync/internal/upload"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand shares once the config is loaded.
type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "camsync",
		Short:         "Upload camera pictures and movies without duplicates",
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		newUploadCmd(a),
		newResetIndexCmd(a),
		newMetaCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	a.cfg = cfg
	return nil
}

// openDB opens and migrates the state database.
func (a *app) openDB() (*sql.DB, error) {
	database, err := db.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return database, nil
}

// openRemote connects to the configured storage service.
func (a *app) openRemote(ctx context.Context) (remote.Remote, error) {
	rc := a.cfg.Remote
	switch rc.Kind {
	case config.RemoteDropbox:
		token := os.Getenv(rc.Dropbox.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("environment variable %s is not set", rc.Dropbox.TokenEnv)
		}
		return dropbox.New(dropbox.Config{Token: token})
	case config.RemoteS3:
		return s3remote.NewFromConfig(ctx, s3remote.Config{
			Bucket:    rc.S3.Bucket,
			Region:    rc.S3.Region,
			Endpoint:  rc.S3.Endpoint,
			PathStyle: rc.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown remote kind %q", rc.Kind)
	}
}

// pipelineConfig maps the file configuration onto a run over root.
func (a *app) pipelineConfig(root string) (pipeline.Config, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return pipeline.Config{}, err
	}
	c := a.cfg
	return pipeline.Config{
		Root:              root,
		DestPrefix:        c.Remote.DestPrefix,
		MaxBatchItems:     c.Upload.MaxBatchItems,
		ConcurrentBatches: c.Upload.ConcurrentBatches,
		Scan: scan.Config{
			Walkers:         c.Scan.Walkers,
			ChannelCapacity: c.Scan.ChannelCapacity,
			BatchSize:       c.Scan.BatchSize,
			DigestWorkers:   c.Scan.DigestWorkers,
			ExcludePaths:    c.ExcludePaths,
			Location:        loc,
		},
		Upload: upload.Options{
			Parallelism:     c.Upload.Parallelism,
			MaxInFlight:     c.Upload.MaxInFlight,
			ConcurrentFiles: c.Upload.ConcurrentFiles,
			CallTimeout:     c.Upload.CallTimeout,
			AppendAttempts:  c.Upload.AppendAttempts,
			PollInterval:    c.Upload.PollInterval,
			PollAttempts:    c.Upload.PollAttempts,
		},
	}, nil
}

// remoteDir is the folder uploads land in, in the remote's path form.
func (a *app) remoteDir() string {
	return "/" + strings.Trim(a.cfg.Remote.DestPrefix, "/")
}

// sourceDir resolves the directory argument, falling back to the configured
// root, and checks that it is a directory.
func (a *app) sourceDir(args []string) (string, error) {
	dir := a.cfg.Root
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return "", errors.New("no directory given and no root configured")
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s: %w", dir, scan.ErrNotADirectory)
	}
	return dir, nil
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
