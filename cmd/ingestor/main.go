// Command ingestor fetches the configured feeds once, stages each raw payload
// in the blob store and announces it on the ingest queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"cstracker/internal/app"
	"cstracker/internal/blobstore"
	"cstracker/internal/ingest"
	"cstracker/internal/ledger"
	"cstracker/internal/queue"
	"cstracker/internal/status"
)

func main() {
	cliApp := &cli.App{
		Name:  "ingestor",
		Usage: "Stage OpenAQ and iNaturalist payloads and publish pointer messages",
		Flags: app.Flags(),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run one ingestion pass over every enabled feed",
				Action: runOnce,
			},
			{
				Name:  "replay",
				Usage: "Republish pointers recorded in the failure ledger",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of failures to republish",
						Value: 100,
					},
				},
				Action: replay,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("ingestor failed")
	}
}

// producerDeps bundles what a Producer needs so every command closes them the same way.
type producerDeps struct {
	producer  *ingest.Producer
	publisher queue.Publisher
	status    *status.Redis
	logger    zerolog.Logger
}

func newProducer(ctx context.Context, rt app.Runtime) (*producerDeps, error) {
	cfg := rt.Config

	blobs, err := blobstore.NewMinIO(cfg.Blob, rt.Logger, rt.Metrics)
	if err != nil {
		return nil, err
	}
	publisher, err := queue.NewPublisher(cfg.Queue, rt.Logger)
	if err != nil {
		return nil, err
	}

	deps := &producerDeps{publisher: publisher, logger: rt.Logger}
	opts := ingest.Options{Metrics: rt.Metrics}
	if cfg.Status.Addr != "" {
		st, err := status.DialRedis(ctx, cfg.Status, rt.Logger)
		if err != nil {
			_ = publisher.Close()
			return nil, err
		}
		deps.status = st
		opts.Status = st
	}

	feeds := []ingest.Feed{ingest.OpenAQFeed(cfg.OpenAQ), ingest.INatFeed(cfg.INat)}
	fetcher := ingest.NewFetcher(&http.Client{Timeout: cfg.HTTPTimeout}, rt.Logger, rt.Metrics)
	deps.producer = ingest.NewProducer(cfg.Blob.Bucket, feeds, fetcher, blobs, publisher, rt.Logger, opts)
	return deps, nil
}

func (d *producerDeps) close() {
	if err := d.publisher.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("publisher close failed")
	}
	if d.status != nil {
		if err := d.status.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("status store close failed")
		}
	}
}

func runOnce(c *cli.Context) error {
	rt, err := app.Bootstrap(c, "ingestor")
	if err != nil {
		return err
	}
	ctx, stop := app.SignalContext(c.Context)
	defer stop()

	deps, err := newProducer(ctx, rt)
	if err != nil {
		return fmt.Errorf("producer init failed: %w", err)
	}
	defer deps.close()

	published, err := deps.producer.Run(ctx)
	total := 0
	for _, n := range published {
		total += n
	}
	rt.Logger.Info().Interface("published", published).Int("records", total).Msg("ingestion pass finished")
	return err
}

func replay(c *cli.Context) error {
	rt, err := app.Bootstrap(c, "ingestor")
	if err != nil {
		return err
	}
	if rt.Config.Ledger.URI == "" {
		return errors.New("replay requires MONGO_URI")
	}
	ctx, stop := app.SignalContext(c.Context)
	defer stop()

	failures, err := ledger.DialMongo(ctx, rt.Config.Ledger, rt.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := failures.Close(context.Background()); err != nil {
			rt.Logger.Warn().Err(err).Msg("ledger close failed")
		}
	}()

	deps, err := newProducer(ctx, rt)
	if err != nil {
		return fmt.Errorf("producer init failed: %w", err)
	}
	defer deps.close()

	n, err := deps.producer.Replay(ctx, failures, c.Int("limit"))
	rt.Logger.Info().Int("republished", n).Msg("replay finished")
	return err
}
