// Package status keeps a short-lived processing record per staged payload in
// Redis so operators can see where a pointer message is and how many times it
// has been delivered. Writes are best effort and never gate queue settlement.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cstracker/internal/config"
)

// States written to the status hash. Acked, Rejected and Ignored are terminal.
// AckFailed is not: the broker still holds the message and redelivers it.
const (
	StateStaged     = "staged"
	StateFetching   = "fetching"
	StateParsing    = "parsing"
	StatePersisting = "persisting"
	StateAcked      = "acked"
	StateAckFailed  = "ack_failed"
	StateRejected   = "rejected"
	StateIgnored    = "ignored"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("status not found")

// IsTerminal reports whether state ends processing of a message.
func IsTerminal(state string) bool {
	switch state {
	case StateAcked, StateRejected, StateIgnored:
		return true
	default:
		return false
	}
}

// Update is one state transition for a staged payload.
type Update struct {
	S3Key    string
	Source   string
	S3Bucket string
	State    string
	// Records is the producer count; Inserted the rows written. Negative means unknown.
	Records  int
	Inserted int
	Error    string
}

// Record is the stored view of a payload's processing status.
type Record struct {
	S3Key      string    `json:"s3_key"`
	Source     string    `json:"source"`
	S3Bucket   string    `json:"s3_bucket"`
	State      string    `json:"state"`
	Records    int       `json:"records"`
	Inserted   int       `json:"inserted"`
	Deliveries int       `json:"deliveries"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Redis stores one hash per staging key and refreshes its TTL on every write.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// DialRedis connects using cfg and verifies the server answers PING.
func DialRedis(ctx context.Context, cfg config.StatusConfig, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, cfg.TTL, logger), nil
}

func NewRedis(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "status").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Key returns the hash key for a staging key.
func Key(s3Key string) string {
	return "ingest:" + s3Key + ":status"
}

// Set writes u into the hash for u.S3Key and refreshes the TTL.
func (s *Redis) Set(ctx context.Context, u Update) error {
	key := Key(u.S3Key)
	fields := map[string]any{
		"s3_key":     u.S3Key,
		"state":      u.State,
		"updated_at": s.now().Format(time.RFC3339Nano),
	}
	if u.Source != "" {
		fields["source"] = u.Source
	}
	if u.S3Bucket != "" {
		fields["s3_bucket"] = u.S3Bucket
	}
	if u.Records >= 0 {
		fields["records"] = u.Records
	}
	if u.Inserted >= 0 {
		fields["inserted"] = u.Inserted
	}
	if u.Error != "" {
		fields["error"] = u.Error
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if u.Error == "" {
		pipe.HDel(ctx, key, "error")
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis status write failed key=%s state=%s: %w", key, u.State, err)
	}
	return nil
}

// CountDelivery increments and returns the delivery counter for s3Key.
func (s *Redis) CountDelivery(ctx context.Context, s3Key string) (int, error) {
	key := Key(s3Key)
	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "deliveries", 1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis delivery count failed key=%s: %w", key, err)
	}
	return int(incr.Val()), nil
}

// Get reads the record for s3Key.
func (s *Redis) Get(ctx context.Context, s3Key string) (Record, error) {
	values, err := s.client.HGetAll(ctx, Key(s3Key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis status read failed key=%s: %w", s3Key, err)
	}
	if len(values) == 0 {
		return Record{}, ErrNotFound
	}

	rec := Record{
		S3Key:      values["s3_key"],
		Source:     values["source"],
		S3Bucket:   values["s3_bucket"],
		State:      values["state"],
		Error:      values["error"],
		Records:    atoiOrZero(values["records"]),
		Inserted:   atoiOrZero(values["inserted"]),
		Deliveries: atoiOrZero(values["deliveries"]),
	}
	if rec.S3Key == "" {
		rec.S3Key = s3Key
	}
	if ts, err := time.Parse(time.RFC3339Nano, values["updated_at"]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// Nop discards writes and reports every key as not found.
type Nop struct{}

func (Nop) Set(context.Context, Update) error { return nil }

func (Nop) CountDelivery(context.Context, string) (int, error) { return 0, nil }

func (Nop) Get(context.Context, string) (Record, error) { return Record{}, ErrNotFound }

func (Nop) Close() error { return nil }
