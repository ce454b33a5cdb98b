package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/waya0125/squashterm/internal/autosync"
	"github.com/waya0125/squashterm/internal/catalog"
	"github.com/waya0125/squashterm/internal/config"
	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/media"
	"github.com/waya0125/squashterm/internal/queue"
	"github.com/waya0125/squashterm/internal/web"
	"github.com/waya0125/squashterm/internal/ws"
	"github.com/waya0125/squashterm/internal/ytdlp"
)

const version = "0.1.0"

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if parsed, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	return logger
}

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	store    *library.Store
	ingestor *library.Ingestor
	runner   *ytdlp.Runner
	catalog  *catalog.DB
	queue    queue.Queue
	pool     *queue.PoolQueue
	syncer   *autosync.Syncer
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log.Level)

	if err := os.MkdirAll(cfg.Library.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Library.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}

	store := library.NewStore(cfg.Library.LibraryPath)
	ingestor := library.NewIngestor(store, cfg.Library.MediaDir, logger)
	runner := ytdlp.NewRunner(cfg.Downloads.YtdlpPath, cfg.Library.MediaDir, logger)

	db, err := catalog.Open(cfg.Library.CatalogPath)
	if err != nil {
		return nil, err
	}

	pool := queue.NewPoolQueue(cfg.Downloads.RatePerMinute, logger)
	var q queue.Queue = pool
	if cfg.Downloads.QueueBackend == "journal" {
		q = queue.NewJournalQueue(q, db, logger)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		ingestor: ingestor,
		runner:   runner,
		catalog:  db,
		queue:    q,
		pool:     pool,
		syncer:   autosync.NewSyncer(store, ingestor, runner, runner, logger),
	}, nil
}

func (a *app) close() {
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.logger.Warn("closing catalog", "error", err)
		}
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the configuration file",
		Value:   "config.toml",
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the library server",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := buildApp(cmd.String("config"))
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := ws.NewHub(a.logger)
			go hub.Run(ctx)

			a.pool.StartCleanup(ctx, queue.DefaultCleanupInterval, queue.DefaultBatchTTL)

			scheduler := autosync.NewScheduler(a.syncer,
				time.Duration(a.cfg.Sync.PollSeconds)*time.Second, a.logger)
			go scheduler.Run(ctx)

			if a.cfg.Library.WatchMedia {
				watcher := &media.Watcher{
					Store:    a.store,
					MediaDir: a.cfg.Library.MediaDir,
					Logger:   a.logger,
					OnTrack:  hub.TrackAdded,
				}
				go func() {
					if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
						a.logger.Error("media watcher stopped", "error", err)
					}
				}()
			}

			server := &web.Server{
				Store:       a.store,
				Ingestor:    a.ingestor,
				Runner:      a.runner,
				Queue:       a.queue,
				Syncer:      a.syncer,
				Hub:         hub,
				Catalog:     a.catalog,
				Logger:      a.logger,
				DataDir:     a.cfg.Library.DataDir,
				MediaDir:    a.cfg.Library.MediaDir,
				StaticDir:   "static",
				Concurrency: a.cfg.Downloads.Concurrency,
			}
			err = server.ListenAndServe(ctx, a.cfg.Server.Addr())
			if err == context.Canceled {
				a.logger.Info("shut down")
				return nil
			}
			return err
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Download a URL straight into the library",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "playlist",
				Usage: "playlist ID to append the imported tracks to",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			url := cmd.Args().First()
			if url == "" {
				return fmt.Errorf("a URL argument is required")
			}
			a, err := buildApp(cmd.String("config"))
			if err != nil {
				return err
			}
			defer a.close()

			infos, _, err := a.runner.Download(ctx, url)
			if err != nil {
				return err
			}
			tracks, err := a.ingestor.Ingest(infos, url, cmd.String("playlist"))
			if err != nil {
				return err
			}
			for _, track := range tracks {
				a.logger.Info("imported", "id", track.ID, "title", track.Title, "artist", track.Artist)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Synchronize a playlist with its remote collection",
		ArgsUsage: "<playlist-id>",
		Flags:     []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			playlistID := cmd.Args().First()
			if playlistID == "" {
				return fmt.Errorf("a playlist ID argument is required")
			}
			a, err := buildApp(cmd.String("config"))
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.syncer.Sync(ctx, playlistID)
			if err != nil {
				return err
			}
			a.logger.Info("sync finished",
				"playlist", result.PlaylistID,
				"missing", result.Missing,
				"added", result.Added,
				"errors", len(result.Errors))
			for _, msg := range result.Errors {
				a.logger.Warn(msg)
			}
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Ingest audio files already present in the media directory",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := buildApp(cmd.String("config"))
			if err != nil {
				return err
			}
			defer a.close()

			added, err := media.Scan(a.store, a.cfg.Library.MediaDir, a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("scan finished", "added", added)
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write an annotated config file",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.String("config")
					if err := config.WriteExample(path); err != nil {
						return err
					}
					fmt.Println("wrote", path)
					return nil
				},
			},
		},
	}
}

func main() {
	web.Version = version
	root := &cli.Command{
		Name:    "squashterm",
		Usage:   "Personal media library server with download orchestration",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			importCommand(),
			syncCommand(),
			scanCommand(),
			configCommand(),
		},
	}
	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
