package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

var fixedNow = time.Date(2025, 10, 26, 13, 3, 9, 0, time.UTC)

func newMockLedger(mt *mtest.T) *Mongo {
	m := NewMongo(mt.Coll, zerolog.Nop())
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestFailureID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "openaq/raw/20251026T130309Z.json", FailureID("openaq/raw/20251026T130309Z.json"))

	a, b := FailureID(""), FailureID("")
	assert.True(t, strings.HasPrefix(a, "malformed:"))
	assert.NotEqual(t, a, b)
}

func TestMongoLedger(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("record upserts by staging key", func(mt *mtest.T) {
		m := newMockLedger(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "x"}}}},
		))

		created, err := m.Record(context.Background(), Failure{
			Source:   "openaq",
			S3Bucket: "ingestion",
			S3Key:    "openaq/raw/20251026T130309Z.json",
			State:    "persisting",
			Error:    "connection refused",
		})
		require.NoError(t, err)
		assert.True(t, created)

		started := mt.GetStartedEvent()
		require.NotNil(t, started)
		assert.Equal(t, "update", started.CommandName)
		stmt := started.Command.Lookup("updates").Array().Index(0).Value().Document()
		assert.Equal(t, "openaq/raw/20251026T130309Z.json", stmt.Lookup("q", "failure_id").StringValue())
		assert.True(t, stmt.Lookup("upsert").Boolean())
		assert.Equal(t, int32(1), stmt.Lookup("u", "$inc", "attempts").Int32())
		assert.False(t, stmt.Lookup("u", "$set", "replayed").Boolean())
	})

	mt.Run("repeat failure is not a new document", func(mt *mtest.T) {
		m := newMockLedger(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		created, err := m.Record(context.Background(), Failure{S3Key: "k", State: "fetching"})
		require.NoError(t, err)
		assert.False(t, created)
	})

	mt.Run("write error surfaces", func(mt *mtest.T) {
		m := newMockLedger(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11600,
			Name:    "InterruptedAtShutdown",
			Message: "shutting down",
		}))

		_, err := m.Record(context.Background(), Failure{S3Key: "k"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failure_id=k")
	})

	mt.Run("list unreplayed decodes documents", func(mt *mtest.T) {
		m := newMockLedger(mt)
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{
				{Key: "failure_id", Value: "inat/raw/20251026T130309Z.json"},
				{Key: "source", Value: "inaturalist"},
				{Key: "s3_bucket", Value: "ingestion"},
				{Key: "s3_key", Value: "inat/raw/20251026T130309Z.json"},
				{Key: "records", Value: 3},
				{Key: "attempts", Value: 2},
				{Key: "last_seen_at", Value: fixedNow},
				{Key: "replayed", Value: false},
			},
		))

		out, err := m.ListUnreplayed(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "inaturalist", out[0].Source)
		assert.Equal(t, 3, out[0].Records)
		assert.Equal(t, 2, out[0].Attempts)
		assert.True(t, out[0].LastSeenAt.Equal(fixedNow))

		started := mt.GetStartedEvent()
		require.NotNil(t, started)
		assert.Equal(t, "find", started.CommandName)
		assert.Equal(t, int64(10), started.Command.Lookup("limit").Int64())
	})

	mt.Run("mark replayed", func(mt *mtest.T) {
		m := newMockLedger(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		require.NoError(t, m.MarkReplayed(context.Background(), "k"))
		stmt := mt.GetStartedEvent().Command.Lookup("updates").Array().Index(0).Value().Document()
		assert.True(t, stmt.Lookup("u", "$set", "replayed").Boolean())
	})
}
