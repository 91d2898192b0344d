package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

const ns = "payments.idempotency_keys"

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func beginParams(owner string) idempotency.BeginParams {
	return idempotency.BeginParams{
		Key:         "payment:k1",
		Fingerprint: "fp",
		LockOwner:   owner,
		LockTTL:     30 * time.Second,
		Retention:   24 * time.Hour,
	}
}

func newMockStore(mt *mtest.T) *Store {
	return NewStore(mt.Coll, WithNowFunc(func() time.Time { return fixedNow }))
}

func nothingDeleted() bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0})
}

func TestTryBegin(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("fresh key is inserted", func(mt *mtest.T) {
		mt.AddMockResponses(
			nothingDeleted(),
			mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: 1},
				bson.E{Key: "nModified", Value: 0},
				bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "payment:k1"}}}},
			),
		)
		res, err := newMockStore(mt).TryBegin(context.Background(), beginParams("o1"))
		require.NoError(mt, err)
		assert.Equal(mt, idempotency.OutcomeBegan, res.Outcome)
		assert.False(mt, res.Reclaimed)
	})

	mt.Run("abandoned lock is reclaimed", func(mt *mtest.T) {
		mt.AddMockResponses(
			nothingDeleted(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)
		res, err := newMockStore(mt).TryBegin(context.Background(), beginParams("o2"))
		require.NoError(mt, err)
		assert.Equal(mt, idempotency.OutcomeBegan, res.Outcome)
		assert.True(mt, res.Reclaimed)
	})

	mt.Run("duplicate key classifies existing record", func(mt *mtest.T) {
		cases := []struct {
			name string
			doc  bson.D
			want idempotency.Outcome
		}{
			{
				name: "completed",
				doc: bson.D{
					{Key: "_id", Value: "payment:k1"}, {Key: "fingerprint", Value: "fp"}, {Key: "status", Value: "COMPLETED"},
					{Key: "result", Value: []byte(`{"ok":true}`)},
					{Key: "createdAt", Value: fixedNow.Add(-time.Minute)}, {Key: "expiresAt", Value: fixedNow.Add(time.Hour)},
				},
				want: idempotency.OutcomeCompleted,
			},
			{
				name: "in progress",
				doc: bson.D{
					{Key: "_id", Value: "payment:k1"}, {Key: "fingerprint", Value: "fp"}, {Key: "status", Value: "IN_PROGRESS"},
					{Key: "lockOwner", Value: "o1"}, {Key: "lockExpiresAt", Value: fixedNow.Add(10 * time.Second)},
					{Key: "createdAt", Value: fixedNow}, {Key: "expiresAt", Value: fixedNow.Add(time.Hour)},
				},
				want: idempotency.OutcomeInProgress,
			},
			{
				name: "mismatch",
				doc: bson.D{
					{Key: "_id", Value: "payment:k1"}, {Key: "fingerprint", Value: "other"}, {Key: "status", Value: "COMPLETED"},
					{Key: "createdAt", Value: fixedNow}, {Key: "expiresAt", Value: fixedNow.Add(time.Hour)},
				},
				want: idempotency.OutcomeMismatch,
			},
		}
		for _, tc := range cases {
			mt.AddMockResponses(
				nothingDeleted(),
				mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}),
				mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, tc.doc),
			)
			res, err := newMockStore(mt).TryBegin(context.Background(), beginParams("o2"))
			require.NoError(mt, err, tc.name)
			assert.Equal(mt, tc.want, res.Outcome, tc.name)
		}
	})

	mt.Run("server error fails closed", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 91, Name: "ShutdownInProgress", Message: "shutting down"}))
		_, err := newMockStore(mt).TryBegin(context.Background(), beginParams("o1"))
		assert.Error(mt, err)
	})
}

func TestCommit(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("owner commits", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		err := newMockStore(mt).Commit(context.Background(), "payment:k1", "o1", []byte("ok"), time.Hour)
		assert.NoError(mt, err)
	})

	mt.Run("lost lock", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))
		err := newMockStore(mt).Commit(context.Background(), "payment:k1", "o1", []byte("ok"), time.Hour)
		assert.ErrorIs(mt, err, idempotency.ErrLockLost)
	})
}

func TestReleaseReapAndGet(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("release", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		assert.NoError(mt, newMockStore(mt).Release(context.Background(), "payment:k1", "o1"))
	})

	mt.Run("reap", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}))
		n, err := newMockStore(mt).Reap(context.Background())
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), n)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		rec, err := newMockStore(mt).Get(context.Background(), "payment:k1")
		require.NoError(mt, err)
		assert.Nil(mt, rec)
	})

	mt.Run("get expired", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "payment:k1"}, {Key: "fingerprint", Value: "fp"}, {Key: "status", Value: "COMPLETED"},
			{Key: "createdAt", Value: fixedNow.Add(-48 * time.Hour)}, {Key: "expiresAt", Value: fixedNow.Add(-time.Hour)},
		}))
		rec, err := newMockStore(mt).Get(context.Background(), "payment:k1")
		require.NoError(mt, err)
		assert.Nil(mt, rec)
	})

	mt.Run("ensure indexes", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		assert.NoError(mt, newMockStore(mt).EnsureIndexes(context.Background()))
	})
}
