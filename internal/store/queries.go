package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// MeasurementFilter narrows a measurement listing. Zero values do not filter.
type MeasurementFilter struct {
	City      string
	Parameter string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// ObservationFilter narrows an observation listing. Zero values do not filter.
type ObservationFilter struct {
	TaxonID      *int64
	QualityGrade string
	Start        *time.Time
	End          *time.Time
	Limit        int
	Offset       int
}

type MeasurementRecord struct {
	ID        int64      `db:"id" json:"id"`
	Source    string     `db:"source" json:"source"`
	Location  *string    `db:"location" json:"location"`
	City      *string    `db:"city" json:"city"`
	Country   *string    `db:"country" json:"country"`
	Parameter *string    `db:"parameter" json:"parameter"`
	Value     *float64   `db:"value" json:"value"`
	Unit      *string    `db:"unit" json:"unit"`
	Latitude  *float64   `db:"latitude" json:"latitude"`
	Longitude *float64   `db:"longitude" json:"longitude"`
	TimeUTC   *time.Time `db:"time_utc" json:"time_utc"`
}

type ObservationRecord struct {
	ID             int64      `db:"id" json:"id"`
	Source         string     `db:"source" json:"source"`
	TaxonID        *int64     `db:"taxon_id" json:"taxon_id"`
	ScientificName *string    `db:"scientific_name" json:"scientific_name"`
	CommonName     *string    `db:"common_name" json:"common_name"`
	Latitude       *float64   `db:"latitude" json:"latitude"`
	Longitude      *float64   `db:"longitude" json:"longitude"`
	ObservedAt     *time.Time `db:"observed_at" json:"observed_at"`
	PlaceCity      *string    `db:"place_city" json:"place_city"`
	PlaceCountry   *string    `db:"place_country" json:"place_country"`
	QualityGrade   *string    `db:"quality_grade" json:"quality_grade"`
}

// whereBuilder accumulates positional predicates.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.clauses, " AND ")
}

// page appends LIMIT/OFFSET placeholders and returns the clause.
func (w *whereBuilder) page(limit, offset int) string {
	w.args = append(w.args, limit, offset)
	return fmt.Sprintf("LIMIT $%d OFFSET $%d", len(w.args)-1, len(w.args))
}

func measurementQuery(f MeasurementFilter) (string, []any) {
	var w whereBuilder
	if f.City != "" {
		w.add("city = $%d", f.City)
	}
	if f.Parameter != "" {
		w.add("parameter = $%d", f.Parameter)
	}
	if f.Start != nil {
		w.add("time_utc >= $%d", *f.Start)
	}
	if f.End != nil {
		w.add("time_utc <= $%d", *f.End)
	}
	where := w.sql()
	page := w.page(f.Limit, f.Offset)
	return fmt.Sprintf(`SELECT id, source, location, city, country, parameter, value, unit, latitude, longitude, time_utc
		FROM measurements
		%s
		ORDER BY time_utc DESC NULLS LAST, id DESC
		%s`, where, page), w.args
}

func observationQuery(f ObservationFilter) (string, []any) {
	var w whereBuilder
	if f.TaxonID != nil {
		w.add("taxon_id = $%d", *f.TaxonID)
	}
	if f.QualityGrade != "" {
		w.add("quality_grade = $%d", f.QualityGrade)
	}
	if f.Start != nil {
		w.add("observed_at >= $%d", *f.Start)
	}
	if f.End != nil {
		w.add("observed_at <= $%d", *f.End)
	}
	where := w.sql()
	page := w.page(f.Limit, f.Offset)
	return fmt.Sprintf(`SELECT id, source, taxon_id, scientific_name, common_name, latitude, longitude, observed_at, place_city, place_country, quality_grade
		FROM observations
		%s
		ORDER BY observed_at DESC NULLS LAST, id DESC
		%s`, where, page), w.args
}

// ListMeasurements returns measurements newest first; null times sort last.
func (p *Postgres) ListMeasurements(ctx context.Context, f MeasurementFilter) ([]MeasurementRecord, error) {
	sql, args := measurementQuery(f)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[MeasurementRecord])
	if err != nil {
		return nil, fmt.Errorf("scan measurements: %w", err)
	}
	return out, nil
}

// ListObservations returns observations newest first; null times sort last.
func (p *Postgres) ListObservations(ctx context.Context, f ObservationFilter) ([]ObservationRecord, error) {
	sql, args := observationQuery(f)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[ObservationRecord])
	if err != nil {
		return nil, fmt.Errorf("scan observations: %w", err)
	}
	return out, nil
}
