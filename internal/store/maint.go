package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RollupViews are the materialized views refreshed by maintenance.
var RollupViews = []string{"mv_city_param_latest", "mv_param_daily_counts"}

// RefreshViews refreshes every rollup view in one transaction.
func (p *Postgres) RefreshViews(ctx context.Context) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, view := range RollupViews {
			if _, err := tx.Exec(ctx, "REFRESH MATERIALIZED VIEW "+pgx.Identifier{view}.Sanitize()); err != nil {
				return fmt.Errorf("refresh %s: %w", view, err)
			}
		}
		return nil
	})
}

// DeleteIngestedBefore removes rows ingested before cutoff and returns the
// count per table.
func (p *Postgres) DeleteIngestedBefore(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	deleted := make(map[string]int64, 2)
	for _, table := range []string{"measurements", "observations"} {
		tag, err := p.pool.Exec(ctx, "DELETE FROM "+pgx.Identifier{table}.Sanitize()+" WHERE ingested_at < $1", cutoff)
		if err != nil {
			return deleted, fmt.Errorf("retention delete %s: %w", table, err)
		}
		deleted[table] = tag.RowsAffected()
	}
	return deleted, nil
}
