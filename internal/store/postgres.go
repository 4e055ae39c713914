// Package store persists normalized rows in PostgreSQL and serves the read
// and maintenance queries built on them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"cstracker/internal/config"
	"cstracker/internal/normalize"
)

// Postgres is the relational store backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open parses cfg.URL, sizes the pool and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Postgres, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("DATABASE_URL missing")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &Postgres{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	return nil
}

// InsertRows writes rows into table inside one transaction. Rows whose
// (s3_key, row_index) already exists are skipped. It returns how many rows
// were actually inserted; any error rolls the whole batch back.
func (p *Postgres) InsertRows(ctx context.Context, table normalize.Table, rows []normalize.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := insertStatement(table)
	if err != nil {
		return 0, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				p.logger.Warn().Err(rbErr).Str("table", string(table)).Msg("rollback failed")
			}
		}
	}()

	batch := &pgx.Batch{}
	for _, row := range rows {
		if row.Table() != table {
			return 0, fmt.Errorf("row for table %s offered to %s", row.Table(), table)
		}
		batch.Queue(stmt, row.Values()...)
	}

	inserted, err := execBatch(ctx, tx, batch)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return inserted, nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) (int, error) {
	br := tx.SendBatch(ctx, batch)
	total := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, err
		}
		total += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, err
	}
	return total, nil
}

// insertStatement renders the idempotent insert for table.
func insertStatement(table normalize.Table) (string, error) {
	cols := table.Columns()
	if len(cols) == 0 {
		return "", fmt.Errorf("unknown table: %s", table)
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (s3_key, row_index) DO NOTHING",
		pgx.Identifier{string(table)}.Sanitize(),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
	), nil
}
