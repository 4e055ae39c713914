// Package ledger records rejected pointer messages in MongoDB so an operator
// can inspect them and republish their pointers.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cstracker/internal/config"
)

// Failure is one ledger document. A payload that fails repeatedly keeps a
// single document keyed by its staging key.
type Failure struct {
	FailureID   string     `bson:"failure_id" json:"failure_id"`
	Source      string     `bson:"source" json:"source"`
	S3Bucket    string     `bson:"s3_bucket" json:"s3_bucket"`
	S3Key       string     `bson:"s3_key" json:"s3_key"`
	Records     int        `bson:"records" json:"records"`
	State       string     `bson:"state" json:"state"`
	Error       string     `bson:"error" json:"error"`
	Body        string     `bson:"body,omitempty" json:"body,omitempty"`
	Attempts    int        `bson:"attempts" json:"attempts"`
	FirstSeenAt time.Time  `bson:"first_seen_at" json:"first_seen_at"`
	LastSeenAt  time.Time  `bson:"last_seen_at" json:"last_seen_at"`
	Replayed    bool       `bson:"replayed" json:"replayed"`
	ReplayedAt  *time.Time `bson:"replayed_at,omitempty" json:"replayed_at,omitempty"`
}

// FailureID returns the ledger identity for a failure. Pointers that could not
// be decoded have no staging key and get a fresh id each time.
func FailureID(s3Key string) string {
	if s3Key == "" {
		return "malformed:" + uuid.NewString()
	}
	return s3Key
}

// Mongo persists failures into one collection with a unique failure_id index.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     zerolog.Logger
	now        func() time.Time
}

// DialMongo connects, pings and ensures indexes before returning.
func DialMongo(ctx context.Context, cfg config.LedgerConfig, logger zerolog.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	m := NewMongo(client.Database(cfg.Database).Collection(cfg.Collection), logger)
	m.client = client
	if err := m.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo index ensure failed: %w", err)
	}
	return m, nil
}

func NewMongo(collection *mongo.Collection, logger zerolog.Logger) *Mongo {
	return &Mongo{
		collection: collection,
		logger:     logger.With().Str("component", "ledger").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the unique failure_id index and the replay scan index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "failure_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("failure_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "replayed", Value: 1}, {Key: "last_seen_at", Value: 1}},
			Options: options.Index().SetName("replayed_last_seen"),
		},
	})
	if err != nil {
		return err
	}
	m.logger.Debug().Str("collection", m.collection.Name()).Msg("mongo indexes ensured")
	return nil
}

// Record upserts f. The first occurrence fixes identity and first_seen_at;
// later ones bump attempts and clear any replay mark. It reports whether a
// new document was created.
func (m *Mongo) Record(ctx context.Context, f Failure) (bool, error) {
	if f.FailureID == "" {
		f.FailureID = FailureID(f.S3Key)
	}
	now := m.now()

	set := bson.M{
		"state":        f.State,
		"error":        f.Error,
		"records":      f.Records,
		"last_seen_at": now,
		"replayed":     false,
	}
	if f.Body != "" {
		set["body"] = f.Body
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"failure_id":    f.FailureID,
			"source":        f.Source,
			"s3_bucket":     f.S3Bucket,
			"s3_key":        f.S3Key,
			"first_seen_at": now,
		},
		"$set":   set,
		"$inc":   bson.M{"attempts": 1},
		"$unset": bson.M{"replayed_at": ""},
	}

	res, err := m.collection.UpdateOne(ctx, bson.M{"failure_id": f.FailureID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("ledger upsert failed failure_id=%s: %w", f.FailureID, err)
	}
	return res.UpsertedCount > 0, nil
}

// ListUnreplayed returns up to limit replayable failures, oldest first.
// Failures without a staging key cannot be replayed and are skipped.
func (m *Mongo) ListUnreplayed(ctx context.Context, limit int) ([]Failure, error) {
	filter := bson.M{"replayed": false, "s3_key": bson.M{"$ne": ""}}
	opts := options.Find().SetSort(bson.D{{Key: "last_seen_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger find failed: %w", err)
	}
	var out []Failure
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("ledger decode failed: %w", err)
	}
	return out, nil
}

// MarkReplayed flags failureID as republished.
func (m *Mongo) MarkReplayed(ctx context.Context, failureID string) error {
	now := m.now()
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"failure_id": failureID},
		bson.M{"$set": bson.M{"replayed": true, "replayed_at": now}},
	)
	if err != nil {
		return fmt.Errorf("ledger mark replayed failed failure_id=%s: %w", failureID, err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

// Nop drops every failure.
type Nop struct{}

func (Nop) Record(context.Context, Failure) (bool, error) { return false, nil }

func (Nop) ListUnreplayed(context.Context, int) ([]Failure, error) { return nil, nil }

func (Nop) MarkReplayed(context.Context, string) error { return nil }

func (Nop) Close(context.Context) error { return nil }
