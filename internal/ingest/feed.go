package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"cstracker/internal/config"
	"cstracker/internal/metrics"
	"cstracker/internal/pointer"
)

// Feed is one upstream API polled by the producer.
type Feed struct {
	Source      pointer.Source
	Enabled     bool
	URL         string
	FallbackURL string
	Params      url.Values
	Header      http.Header
}

// OpenAQFeed builds the measurement feed. It always declares a fallback.
func OpenAQFeed(cfg config.FeedConfig) Feed {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(cfg.PageSize))
	params.Set("sort", "desc")
	params.Set("order_by", "datetime")
	addFilters(params, cfg.Filters)

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}
	return Feed{
		Source:      pointer.SourceOpenAQ,
		Enabled:     cfg.Enabled,
		URL:         cfg.URL,
		FallbackURL: cfg.FallbackURL,
		Params:      params,
		Header:      header,
	}
}

// INatFeed builds the observation feed. It falls back only when configured to.
func INatFeed(cfg config.FeedConfig) Feed {
	params := url.Values{}
	params.Set("order", "desc")
	params.Set("order_by", "created_at")
	params.Set("per_page", strconv.Itoa(cfg.PageSize))
	addFilters(params, cfg.Filters)

	return Feed{
		Source:      pointer.SourceINaturalist,
		Enabled:     cfg.Enabled,
		URL:         cfg.URL,
		FallbackURL: cfg.FallbackURL,
		Params:      params,
		Header:      http.Header{},
	}
}

func addFilters(params url.Values, filters map[string]string) {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if value := strings.TrimSpace(filters[name]); value != "" {
			params.Set(name, value)
		}
	}
}

// statusError is a non-2xx upstream response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned status=%d body=%q", e.code, e.body)
}

// Fetcher performs feed GETs with a bounded client timeout.
type Fetcher struct {
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Pipeline
}

func NewFetcher(client *http.Client, logger zerolog.Logger, m *metrics.Pipeline) *Fetcher {
	return &Fetcher{client: client, logger: logger, metrics: m}
}

// Fetch returns the raw response body for feed. A network error or non-2xx
// status from the primary URL is retried once against the fallback URL, if
// the feed has one, without query parameters.
func (f *Fetcher) Fetch(ctx context.Context, feed Feed) ([]byte, error) {
	body, err := f.get(ctx, feed, "primary", feed.URL, feed.Params)
	if err == nil {
		return body, nil
	}
	if feed.FallbackURL == "" || !retryable(err) {
		return nil, fmt.Errorf("fetch %s: %w", feed.Source, err)
	}

	f.logger.Warn().Err(err).Str("source", string(feed.Source)).Str("fallback_url", feed.FallbackURL).
		Msg("primary fetch failed; trying fallback")
	body, fbErr := f.get(ctx, feed, "fallback", feed.FallbackURL, nil)
	if fbErr != nil {
		return nil, fmt.Errorf("fetch %s: primary: %v; fallback: %w", feed.Source, err, fbErr)
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, feed Feed, endpoint, rawURL string, params url.Values) (body []byte, err error) {
	defer func() { f.metrics.RecordFetch(string(feed.Source), endpoint, err) }()

	target := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for name, values := range feed.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	f.logger.Debug().Str("source", string(feed.Source)).Str("endpoint", endpoint).Int("bytes", len(body)).Msg("feed fetched")
	return body, nil
}

// retryable excludes request construction failures and caller cancellation.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
