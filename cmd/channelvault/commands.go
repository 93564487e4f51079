package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/channelvault/internal/broadcast"
	"github.com/voyagen/channelvault/internal/cache"
	"github.com/voyagen/channelvault/internal/config"
	"github.com/voyagen/channelvault/internal/fetcher"
	"github.com/voyagen/channelvault/internal/jobs"
	"github.com/voyagen/channelvault/internal/logger"
	"github.com/voyagen/channelvault/internal/ordering"
	"github.com/voyagen/channelvault/internal/queue"
	"github.com/voyagen/channelvault/internal/scheduler"
	"github.com/voyagen/channelvault/internal/server"
	"github.com/voyagen/channelvault/internal/service"
	"github.com/voyagen/channelvault/internal/store"
)

// jobQueue is the publishing and consuming side of a queue backend.
type jobQueue interface {
	queue.Publisher
	Consume(ctx context.Context, concurrency int, h queue.Handler) error
}

// app holds the connections shared by the commands.
type app struct {
	cfg   *config.Config
	pg    *store.Postgres
	rds   *cache.Redis
	store store.Store
	queue jobQueue
}

func loadConfig(ctx context.Context, cmd *cli.Command) (*config.Config, error) {
	if path := cmd.String("config"); path != "" {
		return config.LoadFromFile(ctx, path)
	}
	return config.Load(ctx)
}

func setupLogging(cfg *config.Config) {
	slog.SetDefault(logger.New(os.Stderr, cfg.LogFormat, cfg.LogLevel))
}

// open connects to Postgres and Redis and builds the configured queue.
func open(ctx context.Context, cfg *config.Config) (*app, error) {
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	rds, err := cache.New(cfg.RedisURL)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	if err := rds.Ping(ctx); err != nil {
		pg.Close()
		rds.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	a := &app{cfg: cfg, pg: pg, rds: rds, store: store.NewCachedStore(pg, rds)}
	switch cfg.QueueBackend {
	case config.QueueAsynq:
		q, err := queue.NewAsynqQueue(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.queue = q
	default:
		a.queue = queue.NewRedisQueue(rds, "")
	}
	slog.Info("connected", "queue", cfg.QueueBackend)
	return a, nil
}

func (a *app) Close() {
	if c, ok := a.queue.(io.Closer); ok {
		c.Close()
	}
	a.rds.Close()
	a.pg.Close()
}

func (a *app) runner() *service.Runner {
	f := fetcher.New(a.cfg.UserAgent, a.cfg.Timeout, a.cfg.Retries)
	f.MaxBytes = a.cfg.MaxBytes
	return service.NewRunner(a.store, jobs.New(a.store, a.queue), f, a.rds)
}

func (a *app) consume(ctx context.Context) error {
	return a.queue.Consume(ctx, a.cfg.WorkerConcurrency, a.runner().Handle)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run migrations, then the HTTP API and the sync scheduler",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "workers",
				Usage: "Also consume sync jobs in this process",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "skip-migrate",
				Usage: "Do not apply migrations on start",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			if !cmd.Bool("skip-migrate") {
				if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			a, err := open(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			coord := jobs.New(a.store, a.queue)
			sched := scheduler.New(a.store, coord)
			sched.EnableRecovery(coord, scheduler.Recovery{
				Every:        cfg.RecoverEvery,
				QueuedAfter:  cfg.RecoverQueuedAfter,
				RunningAfter: cfg.RecoverRunningAfter,
			})
			srv := server.New(cfg.ServerPort, server.Deps{
				Store:      a.store,
				Jobs:       coord,
				Ordering:   ordering.NewManager(a.store),
				Scheduler:  sched,
				ActiveJobs: broadcast.NewTopic(ctx, "active_jobs", cfg.JobsBroadcastInterval, broadcast.ActiveJobs(coord)),
				Stats:      broadcast.NewTopic(ctx, "stats", cfg.StatsBroadcastInterval, broadcast.Resources()),
				Ping:       a.pg.Ping,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(ctx) })
			g.Go(func() error { return sched.Run(ctx) })
			if cmd.Bool("workers") {
				g.Go(func() error { return a.consume(ctx) })
			}
			return g.Wait()
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume and run sync jobs",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			a, err := open(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.consume(ctx)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the database schema",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(ctx, cmd)
					if err != nil {
						return err
					}
					return store.RunMigrations(cfg.DatabaseURL)
				},
			},
			{
				Name:      "down",
				Usage:     "Roll back migrations",
				ArgsUsage: "[steps]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(ctx, cmd)
					if err != nil {
						return err
					}
					steps := 1
					if arg := cmd.Args().First(); arg != "" {
						if steps, err = strconv.Atoi(arg); err != nil || steps < 1 {
							return errors.New("steps must be a positive integer")
						}
					}
					return store.RollbackMigrations(cfg.DatabaseURL, steps)
				},
			},
			{
				Name:  "version",
				Usage: "Print the current schema version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(ctx, cmd)
					if err != nil {
						return err
					}
					v, dirty, err := store.MigrationVersion(cfg.DatabaseURL)
					if err != nil {
						return err
					}
					fmt.Printf("version %d (dirty: %t)\n", v, dirty)
					return nil
				},
			},
		},
	}
}
