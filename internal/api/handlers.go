package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cstracker/internal/blobstore"
	"cstracker/internal/normalize"
	"cstracker/internal/pointer"
	"cstracker/internal/status"
	"cstracker/internal/store"
)

const (
	defaultLatest = 5
	maxLatest     = 50
	defaultLimit  = 50
	maxLimit      = 200
)

// handleHealthz reports blob store and database reachability.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	checks := map[string]bool{"blob_store": true, "database": true}
	if err := s.blobs.Ping(ctx, s.bucket); err != nil {
		checks["blob_store"] = false
		s.logger.Warn().Err(err).Msg("healthz blob store check failed")
	}
	if err := s.rows.Ping(ctx); err != nil {
		checks["database"] = false
		s.logger.Warn().Err(err).Msg("healthz database check failed")
	}

	code, overall := http.StatusOK, "ok"
	if !checks["blob_store"] || !checks["database"] {
		code, overall = http.StatusServiceUnavailable, "degraded"
	}
	s.writeJSON(w, code, map[string]any{
		"status": overall,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type latestItem struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Records      *int      `json:"records"`
}

// handleLatest lists the newest staged payloads for one source with their
// record counts. A payload that cannot be read or parsed has a null count.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := intParam(q, "n", defaultLatest, 1, maxLatest)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	source := pointer.SourceOpenAQ
	if raw := strings.TrimSpace(q.Get("source")); raw != "" {
		source = pointer.Source(strings.ToLower(raw))
		if !source.Known() {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown source"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	objects, err := s.blobs.List(ctx, s.bucket, source.KeyPrefix()+"/raw/")
	if err != nil {
		s.logger.Error().Err(err).Msg("latest list failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "list failed"})
		return
	}
	if len(objects) > n {
		objects = objects[:n]
	}

	items := make([]latestItem, 0, len(objects))
	for _, obj := range objects {
		item := latestItem{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}
		if data, err := s.blobs.Get(ctx, s.bucket, obj.Key); err == nil {
			if count, err := normalize.CountResults(data); err == nil {
				item.Records = &count
			}
		} else if !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Warn().Err(err).Str("s3_key", obj.Key).Msg("latest read failed")
		}
		items = append(items, item)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MeasurementFilter{
		City:      strings.TrimSpace(q.Get("city")),
		Parameter: strings.TrimSpace(q.Get("parameter")),
	}
	var err error
	if f.Start, f.End, f.Limit, f.Offset, err = window(q); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	items, err := s.rows.ListMeasurements(ctx, f)
	if err != nil {
		s.logger.Error().Err(err).Msg("measurements query failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed"})
		return
	}
	if items == nil {
		items = []store.MeasurementRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ObservationFilter{QualityGrade: strings.TrimSpace(q.Get("quality_grade"))}
	if raw := strings.TrimSpace(q.Get("taxon_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid taxon_id"})
			return
		}
		f.TaxonID = &id
	}
	var err error
	if f.Start, f.End, f.Limit, f.Offset, err = window(q); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	items, err := s.rows.ListObservations(ctx, f)
	if err != nil {
		s.logger.Error().Err(err).Msg("observations query failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed"})
		return
	}
	if items == nil {
		items = []store.ObservationRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "key is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	rec, err := s.status.Get(ctx, key)
	switch {
	case errors.Is(err, status.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "status not found"})
	case err != nil:
		s.logger.Error().Err(err).Str("s3_key", key).Msg("status lookup failed")
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "status lookup failed"})
	default:
		s.writeJSON(w, http.StatusOK, rec)
	}
}

// window parses the shared start, end, limit and offset parameters.
func window(q url.Values) (start, end *time.Time, limit, offset int, err error) {
	if start, err = timeParam(q, "start"); err != nil {
		return
	}
	if end, err = timeParam(q, "end"); err != nil {
		return
	}
	if limit, err = intParam(q, "limit", defaultLimit, 1, maxLimit); err != nil {
		return
	}
	offset, err = intParam(q, "offset", 0, 0, -1)
	return
}

// intParam parses name within [lo, hi]; hi < 0 means unbounded.
func intParam(q url.Values, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || (hi >= 0 && v > hi) {
		if hi < 0 {
			return 0, fmt.Errorf("invalid %s: must be an integer >= %d", name, lo)
		}
		return 0, fmt.Errorf("invalid %s: must be an integer in [%d, %d]", name, lo, hi)
	}
	return v, nil
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s datetime", name)
	}
	t = t.UTC()
	return &t, nil
}
