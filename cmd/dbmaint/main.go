// Command dbmaint applies the schema, refreshes the rollup views and prunes
// expired rows and staged payloads, once or on a cron schedule.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"cstracker/internal/app"
	"cstracker/internal/blobstore"
	"cstracker/internal/maint"
	"cstracker/internal/store"
)

func main() {
	cliApp := &cli.App{
		Name:  "dbmaint",
		Usage: "Database and blob store maintenance",
		Flags: app.Flags(),
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create tables, indexes and views when missing",
				Action: migrate,
			},
			{
				Name:  "refresh",
				Usage: "Refresh the rollup materialized views",
				Action: withRunner(func(ctx context.Context, r *maint.Runner) error {
					return r.Refresh(ctx)
				}),
			},
			{
				Name:  "retention",
				Usage: "Delete rows and staged payloads past RETENTION_DAYS and BLOB_RETENTION_DAYS",
				Action: withRunner(func(ctx context.Context, r *maint.Runner) error {
					_, err := r.Retention(ctx)
					return err
				}),
			},
			{
				Name:   "schedule",
				Usage:  "Run retention and refresh on every MAINT_CRON tick until interrupted",
				Action: schedule,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("dbmaint failed")
	}
}

func migrate(c *cli.Context) error {
	rt, err := app.Bootstrap(c, "dbmaint")
	if err != nil {
		return err
	}
	if err := rt.Config.RequireDatabase(); err != nil {
		return err
	}
	ctx, stop := app.SignalContext(c.Context)
	defer stop()

	db, err := store.Open(ctx, rt.Config.Database, rt.Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	rt.Logger.Info().Msg("schema ready")
	return nil
}

// withRunner opens the store and blob client, runs job once and closes them.
func withRunner(job func(context.Context, *maint.Runner) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		rt, err := app.Bootstrap(c, "dbmaint")
		if err != nil {
			return err
		}
		ctx, stop := app.SignalContext(c.Context)
		defer stop()

		runner, closeFn, err := newRunner(ctx, rt)
		if err != nil {
			return err
		}
		defer closeFn()
		return job(ctx, runner)
	}
}

func schedule(c *cli.Context) error {
	rt, err := app.Bootstrap(c, "dbmaint")
	if err != nil {
		return err
	}
	ctx, stop := app.SignalContext(c.Context)
	defer stop()

	runner, closeFn, err := newRunner(ctx, rt)
	if err != nil {
		return err
	}
	defer closeFn()

	scheduler, err := maint.NewScheduler(rt.Config.Maint.Cron, runner.RunAll, rt.Logger)
	if err != nil {
		return err
	}
	app.ServeMetrics(ctx, rt.Config.MetricsAddr, rt.Metrics, rt.Logger)
	return scheduler.Run(ctx)
}

func newRunner(ctx context.Context, rt app.Runtime) (*maint.Runner, func(), error) {
	if err := rt.Config.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(ctx, rt.Config.Database, rt.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("store init failed: %w", err)
	}
	blobs, err := blobstore.NewMinIO(rt.Config.Blob, rt.Logger, rt.Metrics)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	runner := maint.NewRunner(db, blobs, rt.Config.Blob.Bucket, rt.Config.Maint, rt.Metrics, rt.Logger)
	return runner, db.Close, nil
}
