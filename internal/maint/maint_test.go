package maint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cstracker/internal/config"
	"cstracker/internal/metrics"
)

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(testWriter{t: t})
}

type fakeStore struct {
	refreshErr error
	deleteErr  error
	deleted    map[string]int64

	refreshes int
	cutoffs   []time.Time
}

func (s *fakeStore) RefreshViews(context.Context) error {
	s.refreshes++
	return s.refreshErr
}

func (s *fakeStore) DeleteIngestedBefore(_ context.Context, cutoff time.Time) (map[string]int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.deleted, s.deleteErr
}

type pruneCall struct {
	bucket string
	prefix string
	cutoff time.Time
}

type fakeBlobs struct {
	removed int64
	errFor  string
	calls   []pruneCall
}

func (b *fakeBlobs) RemoveOlderThan(_ context.Context, bucket, prefix string, cutoff time.Time) (int64, error) {
	b.calls = append(b.calls, pruneCall{bucket: bucket, prefix: prefix, cutoff: cutoff})
	if prefix == b.errFor {
		return 0, errors.New("list objects: access denied")
	}
	return b.removed, nil
}

var fixedNow = time.Date(2025, 10, 26, 13, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T, st Store, blobs BlobPruner, cfg config.MaintConfig, m *metrics.Pipeline) *Runner {
	r := NewRunner(st, blobs, "ingestion", cfg, m, testLogger(t))
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestRetentionPrunesRowsAndBlobs(t *testing.T) {
	t.Parallel()

	st := &fakeStore{deleted: map[string]int64{"measurements": 4, "observations": 2}}
	blobs := &fakeBlobs{removed: 3}
	m := metrics.New(prometheus.NewRegistry())
	r := newTestRunner(t, st, blobs, config.MaintConfig{RetentionDays: 30, BlobRetentionDays: 7}, m)

	deleted, err := r.Retention(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"measurements": 4,
		"observations": 2,
		"blobs":        6,
	}, deleted)
	require.Len(t, st.cutoffs, 1)
	assert.Equal(t, fixedNow.AddDate(0, 0, -30), st.cutoffs[0])
	assert.Equal(t, []pruneCall{
		{bucket: "ingestion", prefix: "openaq/raw/", cutoff: fixedNow.AddDate(0, 0, -7)},
		{bucket: "ingestion", prefix: "inat/raw/", cutoff: fixedNow.AddDate(0, 0, -7)},
	}, blobs.calls)
}

func TestRetentionZeroDaysDisables(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	blobs := &fakeBlobs{}
	r := newTestRunner(t, st, blobs, config.MaintConfig{}, nil)

	deleted, err := r.Retention(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deleted)
	assert.Empty(t, st.cutoffs)
	assert.Empty(t, blobs.calls)
}

func TestRetentionContinuesPastFailures(t *testing.T) {
	t.Parallel()

	st := &fakeStore{deleteErr: errors.New("delete measurements: timeout")}
	blobs := &fakeBlobs{removed: 1, errFor: "openaq/raw/"}
	r := newTestRunner(t, st, blobs, config.MaintConfig{RetentionDays: 1, BlobRetentionDays: 1}, nil)

	deleted, err := r.Retention(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "prune openaq blobs")
	assert.Len(t, blobs.calls, 2)
	assert.Equal(t, int64(1), deleted["blobs"])
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ok := &fakeStore{}
	require.NoError(t, newTestRunner(t, ok, nil, config.MaintConfig{}, m).Refresh(context.Background()))
	assert.Equal(t, 1, ok.refreshes)

	failing := &fakeStore{refreshErr: errors.New("relation does not exist")}
	err := newTestRunner(t, failing, nil, config.MaintConfig{}, m).Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh views")

	expected := `
# HELP cst_maint_runs_total Maintenance job runs by job and status.
# TYPE cst_maint_runs_total counter
cst_maint_runs_total{job="refresh",status="failure"} 1
cst_maint_runs_total{job="refresh",status="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "cst_maint_runs_total"))
}

func TestRunAllRefreshesAfterRetentionFailure(t *testing.T) {
	t.Parallel()

	st := &fakeStore{deleteErr: errors.New("boom")}
	r := newTestRunner(t, st, nil, config.MaintConfig{RetentionDays: 1}, nil)

	err := r.RunAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, st.refreshes)
}

func TestNewSchedulerRejectsInvalidCron(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler("every tuesday", func(context.Context) error { return nil }, testLogger(t))
	require.Error(t, err)
}

func TestSchedulerRunsJobOnEachTick(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	runs := 0
	job := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if runs == 3 {
			cancel()
		}
		if runs == 2 {
			return errors.New("transient")
		}
		return nil
	}

	s, err := NewScheduler("*/15 * * * *", job, testLogger(t))
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow.Add(time.Minute) }

	var waits []time.Duration
	s.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- fixedNow
		return ch
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, runs)
	require.NotEmpty(t, waits)
	assert.Equal(t, 14*time.Minute, waits[0])
}
