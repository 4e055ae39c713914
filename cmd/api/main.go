// Command api serves the read-only HTTP API over staged payloads, normalized
// rows and per-payload processing status.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"cstracker/internal/api"
	"cstracker/internal/app"
	"cstracker/internal/blobstore"
	"cstracker/internal/status"
	"cstracker/internal/store"
)

func main() {
	cliApp := &cli.App{
		Name:  "api",
		Usage: "Serve the cstracker read API",
		Flags: app.Flags(),
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Listen on API_ADDR until interrupted",
				Action: serve,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("api failed")
	}
}

func serve(c *cli.Context) error {
	rt, err := app.Bootstrap(c, "api")
	if err != nil {
		return err
	}
	cfg := rt.Config
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	ctx, stop := app.SignalContext(c.Context)
	defer stop()

	db, err := store.Open(ctx, cfg.Database, rt.Logger)
	if err != nil {
		return fmt.Errorf("app init failed: %w", err)
	}
	defer db.Close()

	blobs, err := blobstore.NewMinIO(cfg.Blob, rt.Logger, rt.Metrics)
	if err != nil {
		return fmt.Errorf("app init failed: %w", err)
	}

	var st api.StatusReader = status.Nop{}
	if cfg.Status.Addr != "" {
		redisStatus, err := status.DialRedis(ctx, cfg.Status, rt.Logger)
		if err != nil {
			return fmt.Errorf("app init failed: %w", err)
		}
		defer func() {
			if err := redisStatus.Close(); err != nil {
				rt.Logger.Warn().Err(err).Msg("status store close failed")
			}
		}()
		st = redisStatus
	}

	server := api.New(cfg.API, cfg.Blob.Bucket, db, blobs, st, rt.Metrics, rt.Logger)
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app.Serve(ctx, srv, rt.Logger)
}
