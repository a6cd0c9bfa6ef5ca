// Package worker bootstraps the River job queue: notification fanout after
// publish and the periodic stale-media sweep.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// Notifier fans a published post out to group members.
// Implemented by the publish service.
type Notifier interface {
	FanoutNotifications(ctx context.Context, postID string) error
}

// Sweeper expires abandoned pending uploads. Implemented by the media service.
type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// NotifyMembersArgs is the fanout job enqueued after a successful publish.
type NotifyMembersArgs struct {
	PostID string `json:"post_id"`
}

// Kind returns the unique job type identifier for fanout jobs.
func (NotifyMembersArgs) Kind() string { return "notify_members" }

type notifyMembersWorker struct {
	river.WorkerDefaults[NotifyMembersArgs]
	notifier Notifier
}

func (w *notifyMembersWorker) Work(ctx context.Context, job *river.Job[NotifyMembersArgs]) error {
	return w.notifier.FanoutNotifications(ctx, job.Args.PostID)
}

// StaleMediaSweepArgs is the periodic job that expires abandoned uploads.
type StaleMediaSweepArgs struct{}

// Kind returns the unique job type identifier for sweep jobs.
func (StaleMediaSweepArgs) Kind() string { return "stale_media_sweep" }

type staleMediaSweepWorker struct {
	river.WorkerDefaults[StaleMediaSweepArgs]
	sweeper Sweeper
	log     *slog.Logger
}

func (w *staleMediaSweepWorker) Work(ctx context.Context, _ *river.Job[StaleMediaSweepArgs]) error {
	n, err := w.sweeper.SweepStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("stale media swept", "expired", n)
	}
	return nil
}

// Queue is the interface exposed by both the real River client and noopQueue.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	EnqueueFanout(ctx context.Context, postID string) error
}

// Client wraps river.Client and exposes a Start/Stop lifecycle.
type Client struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// EnqueueFanout queues a notification fanout job for a published post.
func (c *Client) EnqueueFanout(ctx context.Context, postID string) error {
	_, err := c.client.Insert(ctx, NotifyMembersArgs{PostID: postID}, nil)
	return err
}

// noopQueue is used when River is unavailable (e.g. DB_DRIVER=sqlite). Fanout
// runs inline on the request goroutine instead of being queued.
type noopQueue struct {
	notifier Notifier
	log      *slog.Logger
}

func (n *noopQueue) Start(_ context.Context) error {
	n.log.Info("worker queue disabled, sqlite driver in use (River requires postgres)")
	return nil
}

func (n *noopQueue) Stop(_ context.Context) error { return nil }

func (n *noopQueue) EnqueueFanout(ctx context.Context, postID string) error {
	return n.notifier.FanoutNotifications(ctx, postID)
}

// Options configures the queue.
type Options struct {
	Driver        string
	Concurrency   int
	SweepInterval time.Duration
}

// New creates a queue implementation appropriate for the given driver.
//   - "postgres": returns a fully-functional River client backed by pool,
//     with the stale-media sweep scheduled periodically.
//   - anything else: returns a queue that runs fanout inline and never sweeps.
//
// pool may be nil when the driver is not postgres.
func New(ctx context.Context, pool *pgxpool.Pool, notifier Notifier, sweeper Sweeper, opts Options, log *slog.Logger) (Queue, error) {
	if opts.Driver != "postgres" {
		return &noopQueue{notifier: notifier, log: log}, nil
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &notifyMembersWorker{notifier: notifier})
	river.AddWorker(workers, &staleMediaSweepWorker{sweeper: sweeper, log: log})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.Concurrency},
		},
		Workers: workers,
		Logger:  log,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(opts.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return StaleMediaSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Client{client: client, log: log}, nil
}

// MigrateRiver runs River's built-in schema migrations against the given pool.
// Only call this when the driver is postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}
