// Package worker consumes pointer messages, normalizes the staged payload they
// reference and persists the rows idempotently before settling the message.
//
// One message is in flight at a time. A message is acked only after its rows
// are committed; every failure rejects it without requeue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cstracker/internal/ledger"
	"cstracker/internal/metrics"
	"cstracker/internal/normalize"
	"cstracker/internal/pointer"
	"cstracker/internal/queue"
	"cstracker/internal/status"
)

// State is the worker's position in the handling of one message.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateParsing
	StatePersisting
	StateAcking
	StateRejecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StatePersisting:
		return "persisting"
	case StateAcking:
		return "acking"
	case StateRejecting:
		return "rejecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	sideWriteTimeout = 5 * time.Second
	maxLedgerBody    = 4096
)

// BlobReader reads staged payloads.
type BlobReader interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// RowWriter inserts rows in one transaction, skipping rows whose key exists,
// and returns how many were inserted.
type RowWriter interface {
	InsertRows(ctx context.Context, table normalize.Table, rows []normalize.Row) (int, error)
}

// StatusStore receives state transitions and delivery counts.
type StatusStore interface {
	Set(ctx context.Context, u status.Update) error
	CountDelivery(ctx context.Context, s3Key string) (int, error)
}

// FailureRecorder keeps rejected messages for later replay.
type FailureRecorder interface {
	Record(ctx context.Context, f ledger.Failure) (bool, error)
}

// Options holds the optional collaborators and limits of a Worker.
type Options struct {
	Status         StatusStore
	Ledger         FailureRecorder
	Metrics        *metrics.Pipeline
	ProcessTimeout time.Duration
	ReceiveBackoff time.Duration
}

// Worker runs the consume, normalize, persist, settle loop.
type Worker struct {
	consumer queue.Consumer
	blobs    BlobReader
	rows     RowWriter
	registry *normalize.Registry

	status         StatusStore
	ledger         FailureRecorder
	metrics        *metrics.Pipeline
	processTimeout time.Duration
	receiveBackoff time.Duration
	logger         zerolog.Logger

	state atomic.Int32
}

func New(consumer queue.Consumer, blobs BlobReader, rows RowWriter, registry *normalize.Registry, logger zerolog.Logger, opts Options) *Worker {
	w := &Worker{
		consumer:       consumer,
		blobs:          blobs,
		rows:           rows,
		registry:       registry,
		status:         opts.Status,
		ledger:         opts.Ledger,
		metrics:        opts.Metrics,
		processTimeout: opts.ProcessTimeout,
		receiveBackoff: opts.ReceiveBackoff,
		logger:         logger.With().Str("component", "worker").Logger(),
	}
	if w.status == nil {
		w.status = status.Nop{}
	}
	if w.ledger == nil {
		w.ledger = ledger.Nop{}
	}
	if w.processTimeout <= 0 {
		w.processTimeout = 60 * time.Second
	}
	if w.receiveBackoff <= 0 {
		w.receiveBackoff = time.Second
	}
	return w
}

// State returns the current handling state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run receives and handles messages until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker loop starting")
	for {
		d, err := w.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				w.logger.Info().Msg("worker loop stopping due to cancellation")
				return nil
			}
			w.metrics.RecordReceiveError()
			w.logger.Error().Err(err).Dur("retry_after", w.receiveBackoff).Msg("receive failed")
			if err := queue.SleepWithContext(ctx, w.receiveBackoff); err != nil {
				return nil
			}
			continue
		}
		w.Handle(ctx, d)
	}
}

// Result describes how one delivery was settled.
type Result struct {
	Message  pointer.Message
	Outcome  string
	Inserted int
	// Failed is the state in which handling failed; StateIdle on success.
	Failed State
	Err    error
}

// Handle processes one delivery and settles it with Ack or Reject(false).
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) Result {
	started := time.Now()
	w.metrics.RecordMessageStart()
	defer w.setState(StateIdle)

	res := w.process(ctx, d)
	log := w.logger.With().
		Str("source", string(res.Message.Source)).
		Str("s3_bucket", res.Message.S3Bucket).
		Str("s3_key", res.Message.S3Key).
		Str("message_id", d.MessageID()).
		Logger()

	if res.Err != nil {
		w.setState(StateRejecting)
		res.Outcome = metrics.OutcomeRejected
		log.Error().Err(res.Err).Str("state", res.Failed.String()).Bool("redelivered", d.Redelivered()).Msg("message rejected")
		if err := d.Reject(false); err != nil {
			log.Error().Err(err).Msg("reject failed")
		}
		w.recordFailure(ctx, d, res)
		w.writeStatus(ctx, status.Update{
			S3Key:    res.Message.S3Key,
			State:    status.StateRejected,
			Records:  -1,
			Inserted: -1,
			Error:    res.Err.Error(),
		})
	} else {
		w.setState(StateAcking)
		state := status.StateAcked
		if res.Outcome == metrics.OutcomeIgnored {
			state = status.StateIgnored
		}
		u := status.Update{
			S3Key:    res.Message.S3Key,
			State:    state,
			Records:  -1,
			Inserted: res.Inserted,
		}
		if err := d.Ack(); err != nil {
			res.Err = fmt.Errorf("ack: %w", err)
			res.Outcome = metrics.OutcomeAckFailed
			u.State = status.StateAckFailed
			u.Error = res.Err.Error()
			log.Error().Err(err).Int("inserted", res.Inserted).Msg("ack failed")
		} else {
			log.Info().Str("outcome", res.Outcome).Int("inserted", res.Inserted).Msg("message acked")
		}
		w.writeStatus(ctx, u)
	}

	w.metrics.RecordMessageEnd(string(res.Message.Source), res.Outcome, time.Since(started))
	return res
}

func (w *Worker) process(ctx context.Context, d queue.Delivery) Result {
	w.setState(StateFetching)
	msg, err := pointer.Decode(d.Body())
	if err != nil {
		return Result{Failed: StateFetching, Err: err}
	}
	res := Result{Message: msg}
	w.countDelivery(ctx, msg.S3Key, d)
	w.writeStatus(ctx, status.Update{S3Key: msg.S3Key, Source: string(msg.Source), S3Bucket: msg.S3Bucket, State: status.StateFetching, Records: msg.Records, Inserted: -1})

	strategy, ok := w.registry.Lookup(msg.Source)
	if !ok {
		w.logger.Warn().Str("source", string(msg.Source)).Str("s3_key", msg.S3Key).Msg("unknown source; acking without writes")
		res.Outcome = metrics.OutcomeIgnored
		return res
	}

	// Only the timeout bounds in-flight work. Cancelling ctx stops Run from
	// receiving more messages but must not fail this one.
	processCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.processTimeout)
	defer cancel()

	payload, err := w.blobs.Get(processCtx, msg.S3Bucket, msg.S3Key)
	if err != nil {
		res.Failed, res.Err = StateFetching, fmt.Errorf("get blob: %w", err)
		return res
	}

	w.setState(StateParsing)
	w.writeStatus(ctx, status.Update{S3Key: msg.S3Key, State: status.StateParsing, Records: -1, Inserted: -1})
	rows, err := normalize.Normalize(strategy, msg.S3Key, payload)
	if err != nil {
		res.Failed, res.Err = StateParsing, fmt.Errorf("normalize: %w", err)
		return res
	}

	res.Outcome = metrics.OutcomeAcked
	if len(rows) == 0 {
		return res
	}

	w.setState(StatePersisting)
	w.writeStatus(ctx, status.Update{S3Key: msg.S3Key, State: status.StatePersisting, Records: -1, Inserted: -1})
	table := strategy.Table()
	inserted, err := w.rows.InsertRows(processCtx, table, rows)
	if err != nil {
		res.Failed, res.Err = StatePersisting, fmt.Errorf("persist %s: %w", table, err)
		return res
	}
	w.metrics.RecordRows(string(table), inserted, len(rows))
	res.Inserted = inserted
	if inserted < len(rows) {
		w.logger.Info().Str("s3_key", msg.S3Key).Int("rows", len(rows)).Int("inserted", inserted).Msg("duplicate rows skipped")
	}
	return res
}

func (w *Worker) countDelivery(ctx context.Context, s3Key string, d queue.Delivery) {
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideWriteTimeout)
	defer cancel()

	n, err := w.status.CountDelivery(sideCtx, s3Key)
	if err != nil {
		w.metrics.RecordSideWriteFailure("status")
		w.logger.Warn().Err(err).Str("s3_key", s3Key).Msg("delivery count failed")
		return
	}
	if n > 1 || d.Redelivered() {
		w.logger.Info().Str("s3_key", s3Key).Int("delivery", n).Bool("redelivered", d.Redelivered()).Msg("message seen before")
	}
}

func (w *Worker) writeStatus(ctx context.Context, u status.Update) {
	if u.S3Key == "" {
		return
	}
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideWriteTimeout)
	defer cancel()

	if err := w.status.Set(sideCtx, u); err != nil {
		w.metrics.RecordSideWriteFailure("status")
		w.logger.Warn().Err(err).Str("s3_key", u.S3Key).Str("state", u.State).Msg("status write failed")
	}
}

func (w *Worker) recordFailure(ctx context.Context, d queue.Delivery, res Result) {
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideWriteTimeout)
	defer cancel()

	f := ledger.Failure{
		Source:   string(res.Message.Source),
		S3Bucket: res.Message.S3Bucket,
		S3Key:    res.Message.S3Key,
		Records:  res.Message.Records,
		State:    res.Failed.String(),
		Error:    res.Err.Error(),
	}
	if f.S3Key == "" {
		body := d.Body()
		if len(body) > maxLedgerBody {
			body = body[:maxLedgerBody]
		}
		f.Body = string(body)
	}
	if _, err := w.ledger.Record(sideCtx, f); err != nil {
		w.metrics.RecordSideWriteFailure("ledger")
		w.logger.Warn().Err(err).Str("s3_key", f.S3Key).Msg("ledger write failed")
	}
}
