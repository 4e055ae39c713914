package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cstracker/internal/blobstore"
	"cstracker/internal/ledger"
	"cstracker/internal/metrics"
	"cstracker/internal/normalize"
	"cstracker/internal/queue"
	"cstracker/internal/status"
)

const (
	testBucket = "ingestion"
	testKey    = "openaq/raw/20251026T130309Z.json"
)

// testWriter routes logger output into test logs.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type fakeDelivery struct {
	body        []byte
	redelivered bool

	ackErr error

	acks    int
	rejects int
	requeue bool
}

func (d *fakeDelivery) Body() []byte      { return d.body }
func (d *fakeDelivery) MessageID() string { return "msg-1" }
func (d *fakeDelivery) Redelivered() bool { return d.redelivered }

func (d *fakeDelivery) Ack() error {
	d.acks++
	return d.ackErr
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.rejects++
	d.requeue = requeue
	return nil
}

func pointerDelivery(source, bucket, key string) *fakeDelivery {
	return &fakeDelivery{body: []byte(`{"source":"` + source + `","s3_bucket":"` + bucket + `","s3_key":"` + key + `","records":2,"ts":"20251026T130309Z"}`)}
}

type fakeBlobs struct {
	objects map[string][]byte
	calls   int
}

func (f *fakeBlobs) Get(_ context.Context, bucket, key string) ([]byte, error) {
	f.calls++
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, blobstore.ErrBlobNotFound
	}
	return data, nil
}

// memRows is an in-memory row writer honoring the (s3_key, row_index) constraint
// with all-or-nothing batches.
type memRows struct {
	mu    sync.Mutex
	err   error
	calls int
	rows  map[normalize.RowKey]normalize.Row
}

func newMemRows() *memRows {
	return &memRows{rows: map[normalize.RowKey]normalize.Row{}}
}

func (m *memRows) InsertRows(_ context.Context, _ normalize.Table, rows []normalize.Row) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	inserted := 0
	for _, r := range rows {
		if _, exists := m.rows[r.Key()]; exists {
			continue
		}
		m.rows[r.Key()] = r
		inserted++
	}
	return inserted, nil
}

type fakeStatus struct {
	err        error
	states     []string
	deliveries map[string]int
}

func (f *fakeStatus) Set(_ context.Context, u status.Update) error {
	f.states = append(f.states, u.State)
	return f.err
}

func (f *fakeStatus) CountDelivery(_ context.Context, key string) (int, error) {
	if f.deliveries == nil {
		f.deliveries = map[string]int{}
	}
	f.deliveries[key]++
	return f.deliveries[key], f.err
}

type fakeLedger struct {
	err      error
	failures []ledger.Failure
}

func (f *fakeLedger) Record(_ context.Context, fl ledger.Failure) (bool, error) {
	f.failures = append(f.failures, fl)
	return f.err == nil, f.err
}

type harness struct {
	worker *Worker
	blobs  *fakeBlobs
	rows   *memRows
	status *fakeStatus
	ledger *fakeLedger
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		blobs:  &fakeBlobs{objects: map[string][]byte{}},
		rows:   newMemRows(),
		status: &fakeStatus{},
		ledger: &fakeLedger{},
	}
	h.worker = New(nil, h.blobs, h.rows, normalize.NewRegistry(), zerolog.New(testWriter{t: t}), Options{
		Status:         h.status,
		Ledger:         h.ledger,
		ProcessTimeout: 5 * time.Second,
	})
	return h
}

func (h *harness) stage(key, body string) {
	h.blobs.objects[testBucket+"/"+key] = []byte(body)
}

const twoMeasurements = `{"results":[
	{"location":"Anand Vihar","city":"Delhi","country":"IN","parameter":"pm25","value":182.5,"unit":"µg/m³",
	 "coordinates":{"latitude":28.65,"longitude":77.31},"date":{"utc":"2025-10-26T12:00:00Z"}},
	{"location":"Bandra","city":"Mumbai","country":"IN","parameter":"no2","value":"41","unit":"ppb",
	 "coordinates":{"latitude":"bad","longitude":72.84},"date":{"utc":"not a date"}}
]}`

// TestHandleTwoMeasurementsEndToEnd verifies a staged two-record payload
// becomes two rows keyed by position and the message is acked.
func TestHandleTwoMeasurementsEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stage(testKey, twoMeasurements)
	d := pointerDelivery("openaq", testBucket, testKey)

	res := h.worker.Handle(context.Background(), d)
	require.NoError(t, res.Err)
	assert.Equal(t, metrics.OutcomeAcked, res.Outcome)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, d.acks)
	assert.Zero(t, d.rejects)
	assert.Equal(t, StateIdle, h.worker.State())

	first, ok := h.rows.rows[normalize.RowKey{S3Key: testKey, RowIndex: 0}].(normalize.Measurement)
	require.True(t, ok)
	assert.Equal(t, "Delhi", *first.City)
	assert.InDelta(t, 182.5, *first.Value, 1e-9)
	assert.InDelta(t, 28.65, *first.Latitude, 1e-9)
	assert.Equal(t, time.Date(2025, 10, 26, 12, 0, 0, 0, time.UTC), *first.TimeUTC)

	second, ok := h.rows.rows[normalize.RowKey{S3Key: testKey, RowIndex: 1}].(normalize.Measurement)
	require.True(t, ok)
	assert.Equal(t, "Mumbai", *second.City)
	assert.InDelta(t, 41, *second.Value, 1e-9)
	assert.Nil(t, second.Latitude)
	assert.Nil(t, second.Longitude)
	assert.Nil(t, second.TimeUTC)

	assert.Equal(t, []string{status.StateFetching, status.StateParsing, status.StatePersisting, status.StateAcked}, h.status.states)
	assert.Empty(t, h.ledger.failures)
}

// TestHandleRedeliveryIsIdempotent verifies handling the same pointer twice
// leaves exactly one row per record.
func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stage(testKey, twoMeasurements)

	first := h.worker.Handle(context.Background(), pointerDelivery("openaq", testBucket, testKey))
	redelivery := pointerDelivery("openaq", testBucket, testKey)
	redelivery.redelivered = true
	second := h.worker.Handle(context.Background(), redelivery)

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, redelivery.acks)
	assert.Len(t, h.rows.rows, 2)
	assert.Equal(t, 2, h.status.deliveries[testKey])
}

func TestHandleEmptyPayloadAcksWithoutWrites(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"results":[]}`, `{"meta":{}}`, `{"results":null}`} {
		h := newHarness(t)
		h.stage(testKey, body)
		d := pointerDelivery("openaq", testBucket, testKey)

		res := h.worker.Handle(context.Background(), d)
		require.NoError(t, res.Err, body)
		assert.Equal(t, 1, d.acks, body)
		assert.Zero(t, h.rows.calls, body)
	}
}

func TestHandleUnknownSourceAcksWithoutWrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stage("weather/raw/x.json", twoMeasurements)
	d := pointerDelivery("weather", testBucket, "weather/raw/x.json")

	res := h.worker.Handle(context.Background(), d)
	require.NoError(t, res.Err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
	assert.Equal(t, 1, d.acks)
	assert.Zero(t, h.blobs.calls)
	assert.Zero(t, h.rows.calls)
	assert.Contains(t, h.status.states, status.StateIgnored)
}

func TestHandleMissingSourceDefaultsToMeasurements(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stage(testKey, twoMeasurements)
	d := &fakeDelivery{body: []byte(`{"s3_bucket":"` + testBucket + `","s3_key":"` + testKey + `"}`)}

	res := h.worker.Handle(context.Background(), d)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Inserted)
}

func TestHandleMalformedPointerRejectsWithoutBlobCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not-json`},
		{name: "missing key", body: `{"source":"openaq","s3_bucket":"ingestion"}`},
		{name: "missing bucket", body: `{"source":"openaq","s3_key":"k"}`},
		{name: "empty", body: ``},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			d := &fakeDelivery{body: []byte(tc.body)}

			res := h.worker.Handle(context.Background(), d)
			require.Error(t, res.Err)
			assert.Equal(t, metrics.OutcomeRejected, res.Outcome)
			assert.Equal(t, StateFetching, res.Failed)
			assert.Equal(t, 1, d.rejects)
			assert.False(t, d.requeue)
			assert.Zero(t, d.acks)
			assert.Zero(t, h.blobs.calls)
			assert.Zero(t, h.rows.calls)
			require.Len(t, h.ledger.failures, 1)
			assert.Equal(t, tc.body, h.ledger.failures[0].Body)
			assert.Empty(t, h.status.states)
		})
	}
}

func TestHandleRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		blob       *string
		rowErr     error
		wantFailed State
		wantErr    error
	}{
		{name: "blob missing", wantFailed: StateFetching, wantErr: blobstore.ErrBlobNotFound},
		{name: "payload not an object", blob: ptr(`[{"city":"Delhi"}]`), wantFailed: StateParsing, wantErr: normalize.ErrNotJSONObject},
		{name: "record not an object", blob: ptr(`{"results":[{"city":"Delhi"},42]}`), wantFailed: StateParsing, wantErr: normalize.ErrRecordNotObject},
		{name: "results not an array", blob: ptr(`{"results":{"city":"Delhi"}}`), wantFailed: StateParsing, wantErr: normalize.ErrResultsNotArray},
		{name: "persistence fails", blob: ptr(twoMeasurements), rowErr: errors.New("connection reset"), wantFailed: StatePersisting},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.rows.err = tc.rowErr
			if tc.blob != nil {
				h.stage(testKey, *tc.blob)
			}
			d := pointerDelivery("openaq", testBucket, testKey)

			res := h.worker.Handle(context.Background(), d)
			require.Error(t, res.Err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, res.Err, tc.wantErr)
			}
			assert.Equal(t, tc.wantFailed, res.Failed)
			assert.Equal(t, 1, d.rejects)
			assert.False(t, d.requeue)
			assert.Zero(t, d.acks)
			assert.Empty(t, h.rows.rows)

			require.Len(t, h.ledger.failures, 1)
			f := h.ledger.failures[0]
			assert.Equal(t, testKey, f.S3Key)
			assert.Equal(t, "openaq", f.Source)
			assert.Equal(t, tc.wantFailed.String(), f.State)
			assert.Empty(t, f.Body)
			assert.Equal(t, status.StateRejected, h.status.states[len(h.status.states)-1])
		})
	}
}

// TestHandleSideWriteFailuresDoNotChangeSettlement verifies status and ledger
// errors are only logged.
func TestHandleSideWriteFailuresDoNotChangeSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.status.err = errors.New("redis down")
	h.ledger.err = errors.New("mongo down")
	h.stage(testKey, twoMeasurements)

	ok := pointerDelivery("openaq", testBucket, testKey)
	res := h.worker.Handle(context.Background(), ok)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, ok.acks)

	bad := &fakeDelivery{body: []byte(`{}`)}
	res = h.worker.Handle(context.Background(), bad)
	require.Error(t, res.Err)
	assert.Equal(t, 1, bad.rejects)
}

type scriptedConsumer struct {
	mu      sync.Mutex
	script  []any
	cancel  context.CancelFunc
	handled int
}

func (c *scriptedConsumer) Receive(ctx context.Context) (queue.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		c.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := c.script[0]
	c.script = c.script[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	c.handled++
	return next.(queue.Delivery), nil
}

func (c *scriptedConsumer) Close() error { return nil }

func TestRunHandlesUntilCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stage(testKey, twoMeasurements)
	first := pointerDelivery("openaq", testBucket, testKey)
	second := &fakeDelivery{body: []byte(`garbage`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := &scriptedConsumer{
		script: []any{first, errors.New("channel closed"), second},
		cancel: cancel,
	}
	h.worker.consumer = consumer
	h.worker.receiveBackoff = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	assert.Equal(t, 1, first.acks)
	assert.Equal(t, 1, second.rejects)
	assert.Equal(t, 2, consumer.handled)
	assert.Len(t, h.rows.rows, 2)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "persisting", StatePersisting.String())
	assert.Equal(t, "rejecting", StateRejecting.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func ptr(s string) *string { return &s }

// gatedBlobs blocks Get until release is closed or the call's own ctx ends.
type gatedBlobs struct {
	payload []byte
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBlobs) Get(ctx context.Context, _, _ string) ([]byte, error) {
	close(g.entered)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
		return g.payload, nil
	}
}

// TestHandleFinishesInFlightMessageAfterCancel verifies a shutdown during a
// blob read lets the message finish and ack instead of rejecting it.
func TestHandleFinishesInFlightMessageAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	blobs := &gatedBlobs{
		payload: []byte(twoMeasurements),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h.worker.blobs = blobs

	ctx, cancel := context.WithCancel(context.Background())
	d := pointerDelivery("openaq", testBucket, testKey)

	done := make(chan Result, 1)
	go func() { done <- h.worker.Handle(ctx, d) }()

	<-blobs.entered
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(blobs.release)

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		assert.Equal(t, metrics.OutcomeAcked, res.Outcome)
		assert.Equal(t, 2, res.Inserted)
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not finish")
	}
	assert.Equal(t, 1, d.acks)
	assert.Zero(t, d.rejects)
	assert.Empty(t, h.ledger.failures)
	assert.Len(t, h.rows.rows, 2)
}

func TestHandleAckFailureIsDistinctOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stage(testKey, twoMeasurements)
	d := pointerDelivery("openaq", testBucket, testKey)
	d.ackErr = errors.New("channel closed")

	res := h.worker.Handle(context.Background(), d)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "ack: channel closed")
	assert.Equal(t, metrics.OutcomeAckFailed, res.Outcome)
	assert.Equal(t, 2, res.Inserted)
	assert.Zero(t, d.rejects)
	assert.Empty(t, h.ledger.failures)
	require.NotEmpty(t, h.status.states)
	assert.Equal(t, status.StateAckFailed, h.status.states[len(h.status.states)-1])
}
