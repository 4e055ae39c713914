package store

import (
	"context"
	"fmt"
)

// schemaStatements create the tables, read indexes and rollup views. Every
// statement is safe to re-run.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id          BIGSERIAL PRIMARY KEY,
		source      TEXT NOT NULL,
		s3_key      TEXT NOT NULL,
		row_index   INTEGER NOT NULL,
		location    TEXT,
		city        TEXT,
		country     TEXT,
		parameter   TEXT,
		value       DOUBLE PRECISION,
		unit        TEXT,
		latitude    DOUBLE PRECISION,
		longitude   DOUBLE PRECISION,
		time_utc    TIMESTAMPTZ,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (s3_key, row_index)
	)`,
	`CREATE INDEX IF NOT EXISTS measurements_city_param_time_idx ON measurements (city, parameter, time_utc DESC)`,
	`CREATE INDEX IF NOT EXISTS measurements_time_idx ON measurements (time_utc DESC NULLS LAST)`,
	`CREATE INDEX IF NOT EXISTS measurements_ingested_idx ON measurements (ingested_at)`,
	`CREATE TABLE IF NOT EXISTS observations (
		id              BIGSERIAL PRIMARY KEY,
		source          TEXT NOT NULL,
		s3_key          TEXT NOT NULL,
		row_index       INTEGER NOT NULL,
		taxon_id        BIGINT,
		scientific_name TEXT,
		common_name     TEXT,
		latitude        DOUBLE PRECISION,
		longitude       DOUBLE PRECISION,
		observed_at     TIMESTAMPTZ,
		place_city      TEXT,
		place_country   TEXT,
		quality_grade   TEXT,
		ingested_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (s3_key, row_index)
	)`,
	`CREATE INDEX IF NOT EXISTS observations_taxon_time_idx ON observations (taxon_id, observed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS observations_time_idx ON observations (observed_at DESC NULLS LAST)`,
	`CREATE INDEX IF NOT EXISTS observations_ingested_idx ON observations (ingested_at)`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_city_param_latest AS
		SELECT DISTINCT ON (city, parameter)
			city, parameter, value, unit, time_utc
		FROM measurements
		WHERE city IS NOT NULL AND parameter IS NOT NULL AND time_utc IS NOT NULL
		ORDER BY city, parameter, time_utc DESC`,
	`CREATE UNIQUE INDEX IF NOT EXISTS mv_city_param_latest_key ON mv_city_param_latest (city, parameter)`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_param_daily_counts AS
		SELECT parameter, date_trunc('day', time_utc) AS day, count(*) AS readings
		FROM measurements
		WHERE parameter IS NOT NULL AND time_utc IS NOT NULL
		GROUP BY parameter, date_trunc('day', time_utc)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS mv_param_daily_counts_key ON mv_param_daily_counts (parameter, day)`,
}

// EnsureSchema applies schemaStatements in order.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i, err)
		}
	}
	p.logger.Info().Int("statements", len(schemaStatements)).Msg("schema ensured")
	return nil
}
