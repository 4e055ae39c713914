// Command normalizer consumes pointer messages, normalizes the staged payloads
// and writes the rows to Postgres.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"cstracker/internal/app"
	"cstracker/internal/blobstore"
	"cstracker/internal/ledger"
	"cstracker/internal/normalize"
	"cstracker/internal/queue"
	"cstracker/internal/status"
	"cstracker/internal/store"
	"cstracker/internal/worker"
)

func main() {
	cliApp := &cli.App{
		Name:  "normalizer",
		Usage: "Normalize staged payloads announced on the ingest queue",
		Flags: app.Flags(),
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Consume pointer messages until interrupted",
				Action: start,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("normalizer failed")
	}
}

// service owns every connection the worker uses.
type service struct {
	worker   *worker.Worker
	consumer queue.Consumer
	db       *store.Postgres
	status   *status.Redis
	ledger   *ledger.Mongo
	logger   zerolog.Logger
}

func newService(ctx context.Context, rt app.Runtime) (_ *service, err error) {
	cfg := rt.Config
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	svc := &service{logger: rt.Logger}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()

	svc.db, err = store.Open(ctx, cfg.Database, rt.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := svc.db.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}

	blobs, err := blobstore.NewMinIO(cfg.Blob, rt.Logger, rt.Metrics)
	if err != nil {
		return nil, err
	}

	opts := worker.Options{
		Metrics:        rt.Metrics,
		ProcessTimeout: cfg.Worker.ProcessTimeout,
		ReceiveBackoff: cfg.Worker.ReconnectBackoff,
	}
	if cfg.Status.Addr != "" {
		if svc.status, err = status.DialRedis(ctx, cfg.Status, rt.Logger); err != nil {
			return nil, err
		}
		opts.Status = svc.status
	}
	if cfg.Ledger.URI != "" {
		if svc.ledger, err = ledger.DialMongo(ctx, cfg.Ledger, rt.Logger); err != nil {
			return nil, err
		}
		opts.Ledger = svc.ledger
	}

	svc.consumer, err = queue.NewConsumer(cfg.Queue, cfg.Worker.ReconnectBackoff, rt.Logger)
	if err != nil {
		return nil, err
	}

	svc.worker = worker.New(svc.consumer, blobs, svc.db, normalize.NewRegistry(), rt.Logger, opts)
	return svc, nil
}

func (s *service) close() {
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("consumer close failed")
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Close(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("ledger close failed")
		}
	}
	if s.status != nil {
		if err := s.status.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("status store close failed")
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}

func start(c *cli.Context) error {
	rt, err := app.Bootstrap(c, "normalizer")
	if err != nil {
		return err
	}
	ctx, stop := app.SignalContext(c.Context)
	defer stop()

	svc, err := newService(ctx, rt)
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	defer svc.close()

	app.ServeMetrics(ctx, rt.Config.MetricsAddr, rt.Metrics, rt.Logger)

	if err := svc.worker.Run(ctx); err != nil {
		return fmt.Errorf("worker runtime failed: %w", err)
	}
	rt.Logger.Info().Msg("worker stopped cleanly")
	return nil
}
