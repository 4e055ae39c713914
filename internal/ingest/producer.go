// Package ingest fetches upstream feeds, stages the raw payloads in the blob
// store and publishes a pointer message for each staged payload.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cstracker/internal/blobstore"
	"cstracker/internal/ledger"
	"cstracker/internal/metrics"
	"cstracker/internal/normalize"
	"cstracker/internal/pointer"
	"cstracker/internal/queue"
	"cstracker/internal/status"
)

const stageTimeout = 60 * time.Second

// Stager is the write side of the blob store.
type Stager interface {
	EnsureBucket(ctx context.Context, bucket string) (blobstore.BucketResult, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// FeedFetcher returns the raw body for a feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, feed Feed) ([]byte, error)
}

// StatusWriter records staged payloads.
type StatusWriter interface {
	Set(ctx context.Context, u status.Update) error
}

// FailureSource lists and marks ledger entries for replay.
type FailureSource interface {
	ListUnreplayed(ctx context.Context, limit int) ([]ledger.Failure, error)
	MarkReplayed(ctx context.Context, failureID string) error
}

// Producer runs one ingestion pass over its feeds.
type Producer struct {
	bucket    string
	feeds     []Feed
	fetcher   FeedFetcher
	stager    Stager
	publisher queue.Publisher
	status    StatusWriter
	metrics   *metrics.Pipeline
	logger    zerolog.Logger

	now   func() time.Time
	newID func() string

	bucketReady bool
}

// Options holds the optional collaborators of a Producer.
type Options struct {
	Status  StatusWriter
	Metrics *metrics.Pipeline
	Now     func() time.Time
	NewID   func() string
}

func NewProducer(bucket string, feeds []Feed, fetcher FeedFetcher, stager Stager, publisher queue.Publisher, logger zerolog.Logger, opts Options) *Producer {
	p := &Producer{
		bucket:    bucket,
		feeds:     feeds,
		fetcher:   fetcher,
		stager:    stager,
		publisher: publisher,
		status:    opts.Status,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "producer").Logger(),
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if p.status == nil {
		p.status = status.Nop{}
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p
}

// Run ingests every enabled feed once and returns the number of records
// published per source. A failing feed does not stop the others; all
// failures are returned joined.
func (p *Producer) Run(ctx context.Context) (map[pointer.Source]int, error) {
	published := make(map[pointer.Source]int, len(p.feeds))
	var errs []error
	for _, feed := range p.feeds {
		if !feed.Enabled {
			p.logger.Info().Str("source", string(feed.Source)).Msg("source disabled; skipping")
			published[feed.Source] = 0
			continue
		}
		msg, err := p.ingest(ctx, feed)
		if err != nil {
			p.logger.Error().Err(err).Str("source", string(feed.Source)).Msg("ingestion failed")
			errs = append(errs, err)
			continue
		}
		published[feed.Source] = msg.Records
	}
	return published, errors.Join(errs...)
}

func (p *Producer) ingest(ctx context.Context, feed Feed) (pointer.Message, error) {
	body, err := p.fetcher.Fetch(ctx, feed)
	if err != nil {
		return pointer.Message{}, err
	}
	records, err := normalize.CountResults(body)
	if err != nil {
		return pointer.Message{}, fmt.Errorf("inspect %s payload: %w", feed.Source, err)
	}
	return p.Stage(ctx, feed.Source, body, records)
}

// Stage stores body verbatim under a fresh key and publishes its pointer.
func (p *Producer) Stage(ctx context.Context, source pointer.Source, body []byte, records int) (pointer.Message, error) {
	if err := p.ensureBucket(ctx); err != nil {
		return pointer.Message{}, err
	}

	// Once the put starts, a shutdown must not leave a staged blob without its
	// pointer; only stageTimeout bounds the put and publish.
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stageTimeout)
	defer cancel()

	msg := pointer.NewMessage(source, p.bucket, p.now(), records)
	if err := p.stager.Put(stageCtx, msg.S3Bucket, msg.S3Key, body, "application/json"); err != nil {
		return pointer.Message{}, fmt.Errorf("stage %s: %w", msg.S3Key, err)
	}
	if err := p.publish(stageCtx, msg); err != nil {
		return pointer.Message{}, err
	}

	p.metrics.RecordStaged(string(source), records)
	p.recordStaged(stageCtx, msg)
	p.logger.Info().
		Str("source", string(source)).
		Str("s3_bucket", msg.S3Bucket).
		Str("s3_key", msg.S3Key).
		Int("records", records).
		Msg("payload staged and published")
	return msg, nil
}

func (p *Producer) ensureBucket(ctx context.Context) error {
	if p.bucketReady {
		return nil
	}
	result, err := p.stager.EnsureBucket(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("ensure bucket %s: %w", p.bucket, err)
	}
	p.logger.Info().Str("s3_bucket", p.bucket).Stringer("result", result).Msg("bucket ready")
	p.bucketReady = true
	return nil
}

func (p *Producer) publish(ctx context.Context, msg pointer.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode pointer %s: %w", msg.S3Key, err)
	}
	if err := p.publisher.Publish(ctx, queue.Message{ID: p.newID(), Key: msg.S3Key, Body: body}); err != nil {
		return fmt.Errorf("publish pointer %s: %w", msg.S3Key, err)
	}
	return nil
}

func (p *Producer) recordStaged(ctx context.Context, msg pointer.Message) {
	err := p.status.Set(ctx, status.Update{
		S3Key:    msg.S3Key,
		Source:   string(msg.Source),
		S3Bucket: msg.S3Bucket,
		State:    status.StateStaged,
		Records:  msg.Records,
		Inserted: -1,
	})
	if err != nil {
		p.metrics.RecordSideWriteFailure("status")
		p.logger.Warn().Err(err).Str("s3_key", msg.S3Key).Msg("status write failed")
	}
}

// Replay republishes pointers for up to limit unreplayed ledger entries and
// marks each one replayed once its pointer is published. The staged payload
// is reused as is; no upstream call is made.
func (p *Producer) Replay(ctx context.Context, failures FailureSource, limit int) (int, error) {
	entries, err := failures.ListUnreplayed(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	var errs []error
	for _, f := range entries {
		source := pointer.Source(f.Source)
		if !source.Known() {
			p.logger.Warn().Str("failure_id", f.FailureID).Str("source", f.Source).Msg("skipping replay of unknown source")
			continue
		}
		msg := pointer.Message{
			Source:   source,
			S3Bucket: f.S3Bucket,
			S3Key:    f.S3Key,
			Records:  f.Records,
			TS:       p.now().Format(pointer.KeyTimeLayout),
		}
		if msg.S3Bucket == "" {
			msg.S3Bucket = p.bucket
		}
		if err := p.publish(ctx, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := failures.MarkReplayed(ctx, f.FailureID); err != nil {
			errs = append(errs, err)
			continue
		}
		p.recordStaged(ctx, msg)
		p.logger.Info().Str("failure_id", f.FailureID).Str("s3_key", msg.S3Key).Msg("pointer replayed")
		replayed++
	}
	return replayed, errors.Join(errs...)
}
