// Package maint runs database and blob store housekeeping: refreshing the
// rollup views and pruning rows and staged payloads past their retention.
package maint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cstracker/internal/config"
	"cstracker/internal/metrics"
	"cstracker/internal/pointer"
)

// Store is the relational side of maintenance.
type Store interface {
	RefreshViews(ctx context.Context) error
	DeleteIngestedBefore(ctx context.Context, cutoff time.Time) (map[string]int64, error)
}

// BlobPruner removes staged objects older than a cutoff.
type BlobPruner interface {
	RemoveOlderThan(ctx context.Context, bucket, prefix string, cutoff time.Time) (int64, error)
}

// Runner executes maintenance jobs.
type Runner struct {
	store   Store
	blobs   BlobPruner
	bucket  string
	cfg     config.MaintConfig
	metrics *metrics.Pipeline
	logger  zerolog.Logger
	now     func() time.Time
}

func NewRunner(store Store, blobs BlobPruner, bucket string, cfg config.MaintConfig, m *metrics.Pipeline, logger zerolog.Logger) *Runner {
	return &Runner{
		store:   store,
		blobs:   blobs,
		bucket:  bucket,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "maint").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refresh refreshes every rollup view.
func (r *Runner) Refresh(ctx context.Context) error {
	started := time.Now()
	err := r.store.RefreshViews(ctx)
	r.metrics.RecordMaintRun("refresh", nil, err)
	if err != nil {
		return fmt.Errorf("refresh views: %w", err)
	}
	r.logger.Info().Dur("took", time.Since(started)).Msg("views refreshed")
	return nil
}

// Retention deletes rows ingested more than RetentionDays ago and staged
// payloads older than BlobRetentionDays. A zero setting disables that half.
// It returns the number removed keyed by table name, plus "blobs".
func (r *Runner) Retention(ctx context.Context) (map[string]int64, error) {
	deleted := map[string]int64{}
	var errs []error
	now := r.now()

	if days := r.cfg.RetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		rows, err := r.store.DeleteIngestedBefore(ctx, cutoff)
		for table, n := range rows {
			deleted[table] = n
		}
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		r.logger.Debug().Msg("row retention disabled")
	}

	if days := r.cfg.BlobRetentionDays; days > 0 && r.blobs != nil {
		cutoff := now.AddDate(0, 0, -days)
		for _, source := range []pointer.Source{pointer.SourceOpenAQ, pointer.SourceINaturalist} {
			n, err := r.blobs.RemoveOlderThan(ctx, r.bucket, source.KeyPrefix()+"/raw/", cutoff)
			deleted["blobs"] += n
			if err != nil {
				errs = append(errs, fmt.Errorf("prune %s blobs: %w", source, err))
			}
		}
	} else {
		r.logger.Debug().Msg("blob retention disabled")
	}

	err := errors.Join(errs...)
	r.metrics.RecordMaintRun("retention", deleted, err)
	r.logger.Info().Interface("deleted", deleted).Err(err).Msg("retention finished")
	return deleted, err
}

// RunAll runs retention then refresh so the views reflect pruned rows.
func (r *Runner) RunAll(ctx context.Context) error {
	_, retErr := r.Retention(ctx)
	return errors.Join(retErr, r.Refresh(ctx))
}
