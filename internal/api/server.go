// Package api serves the read-only HTTP surface over normalized rows, staged
// payloads and per-payload processing status.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cstracker/internal/blobstore"
	"cstracker/internal/config"
	"cstracker/internal/metrics"
	"cstracker/internal/status"
	"cstracker/internal/store"
)

// RowReader is the query side of the relational store.
type RowReader interface {
	Ping(ctx context.Context) error
	ListMeasurements(ctx context.Context, f store.MeasurementFilter) ([]store.MeasurementRecord, error)
	ListObservations(ctx context.Context, f store.ObservationFilter) ([]store.ObservationRecord, error)
}

// BlobReader is the read side of the blob store.
type BlobReader interface {
	Ping(ctx context.Context, bucket string) error
	List(ctx context.Context, bucket, prefix string) ([]blobstore.ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// StatusReader looks up processing status by staging key.
type StatusReader interface {
	Get(ctx context.Context, s3Key string) (status.Record, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server holds the API dependencies. Build it with New and mount Routes.
type Server struct {
	cfg     config.APIConfig
	bucket  string
	rows    RowReader
	blobs   BlobReader
	status  StatusReader
	metrics *metrics.Pipeline
	logger  zerolog.Logger

	limiters *limiterPool
}

func New(cfg config.APIConfig, bucket string, rows RowReader, blobs BlobReader, st StatusReader, m *metrics.Pipeline, logger zerolog.Logger) *Server {
	if st == nil {
		st = status.Nop{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.StreamPoll <= 0 {
		cfg.StreamPoll = time.Second
	}
	return &Server{
		cfg:      cfg,
		bucket:   bucket,
		rows:     rows,
		blobs:    blobs,
		status:   st,
		metrics:  m,
		logger:   logger.With().Str("component", "api").Logger(),
		limiters: &limiterPool{rps: cfg.RateRPS, burst: cfg.RateBurst},
	}
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	s.logger.Info().Msg("registering routes: GET /healthz, /ingestions/latest, /ingestions/status, /ingestions/stream, /measurements, /observations, /metrics")
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.get("/healthz", s.handleHealthz))
	mux.Handle("/ingestions/latest", s.get("/ingestions/latest", s.handleLatest))
	mux.Handle("/ingestions/status", s.get("/ingestions/status", s.handleStatus))
	mux.Handle("/ingestions/stream", s.get("/ingestions/stream", s.handleStream))
	mux.Handle("/measurements", s.get("/measurements", s.handleMeasurements))
	mux.Handle("/observations", s.get("/observations", s.handleObservations))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// get wraps h with method enforcement, per-client rate limiting and metrics.
func (s *Server) get(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() { s.metrics.RecordAPIRequest(route, rec.code, time.Since(started)) }()

		if r.Method != http.MethodGet {
			s.writeJSON(rec, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		if !s.limiters.allow(clientIP(r)) {
			s.logger.Warn().Str("route", route).Str("client", clientIP(r)).Msg("rate limited")
			s.writeJSON(rec, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		h(rec, r)
	})
}

// writeJSON writes a JSON response payload with status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Int("status", code).Msg("writeJSON encode failed")
	}
}

// statusRecorder captures the response code and keeps websocket hijacking working.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// limiterPool keeps one token bucket per client address.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) allow(key string) bool {
	if p.rps <= 0 {
		return true
	}
	p.mu.Lock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	l, ok := p.m[key]
	if !ok {
		burst := p.burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(p.rps), burst)
		p.m[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
