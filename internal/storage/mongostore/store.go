// Package mongostore implements the idempotency adapter on MongoDB. The
// record key is the document _id, so the unique index on _id arbitrates
// concurrent inserts; a TTL index on expiresAt handles retention.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

// DefaultCollection is the collection used when none is configured.
const DefaultCollection = "idempotency_keys"

type document struct {
	Key           string    `bson:"_id"`
	Fingerprint   string    `bson:"fingerprint"`
	Status        string    `bson:"status"`
	Result        []byte    `bson:"result,omitempty"`
	LockOwner     string    `bson:"lockOwner,omitempty"`
	LockExpiresAt time.Time `bson:"lockExpiresAt,omitempty"`
	CreatedAt     time.Time `bson:"createdAt"`
	ExpiresAt     time.Time `bson:"expiresAt"`
}

func (d document) record() *idempotency.Record {
	return &idempotency.Record{
		Key:           d.Key,
		Fingerprint:   idempotency.Fingerprint(d.Fingerprint),
		Status:        idempotency.Status(d.Status),
		Result:        d.Result,
		LockOwner:     d.LockOwner,
		LockExpiresAt: d.LockExpiresAt,
		CreatedAt:     d.CreatedAt,
		ExpiresAt:     d.ExpiresAt,
	}
}

type Store struct {
	coll    *mongo.Collection
	nowFunc func() time.Time
}

type Option func(*Store)

func WithNowFunc(f func() time.Time) Option {
	return func(s *Store) { s.nowFunc = f }
}

func NewStore(coll *mongo.Collection, opts ...Option) *Store {
	s := &Store{coll: coll, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the TTL index on expiresAt. MongoDB's TTL monitor
// runs about once a minute, so TryBegin and Get also check expiry.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("expiresAt_ttl"),
	})
	if err != nil {
		return fmt.Errorf("create ttl index: %w", err)
	}
	return nil
}

func (s *Store) TryBegin(ctx context.Context, p idempotency.BeginParams) (idempotency.BeginResult, error) {
	now := s.nowFunc().UTC().Truncate(time.Millisecond)
	lockExpires := now.Add(p.LockTTL)

	if _, err := s.coll.DeleteOne(ctx, bson.D{
		{Key: "_id", Value: p.Key},
		{Key: "expiresAt", Value: bson.D{{Key: "$lte", Value: now}}},
	}); err != nil {
		return idempotency.BeginResult{}, fmt.Errorf("delete expired record: %w", err)
	}

	// Matches only an abandoned lock with the same payload. When nothing
	// matches, the upsert inserts a fresh record or collides on _id.
	filter := bson.D{
		{Key: "_id", Value: p.Key},
		{Key: "fingerprint", Value: string(p.Fingerprint)},
		{Key: "status", Value: string(idempotency.StatusInProgress)},
		{Key: "lockExpiresAt", Value: bson.D{{Key: "$lte", Value: now}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "lockOwner", Value: p.LockOwner},
			{Key: "lockExpiresAt", Value: lockExpires},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "createdAt", Value: now},
			{Key: "expiresAt", Value: now.Add(p.Retention)},
		}},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	switch {
	case err == nil && (res.UpsertedCount == 1 || res.MatchedCount == 1):
		return idempotency.BeginResult{
			Outcome:   idempotency.OutcomeBegan,
			Reclaimed: res.UpsertedCount == 0,
			Record: &idempotency.Record{
				Key:           p.Key,
				Fingerprint:   p.Fingerprint,
				Status:        idempotency.StatusInProgress,
				LockOwner:     p.LockOwner,
				LockExpiresAt: lockExpires,
				CreatedAt:     now,
				ExpiresAt:     now.Add(p.Retention),
			},
		}, nil
	case err != nil && !mongo.IsDuplicateKeyError(err):
		return idempotency.BeginResult{}, fmt.Errorf("upsert record: %w", err)
	}

	rec, err := s.find(ctx, p.Key)
	if err != nil {
		return idempotency.BeginResult{}, err
	}
	if rec == nil {
		return idempotency.BeginResult{Outcome: idempotency.OutcomeInProgress}, nil
	}
	outcome := idempotency.Classify(rec, p.Fingerprint, now)
	if outcome == idempotency.OutcomeBegan {
		// Lock lapsed after the upsert lost; the next call reclaims it.
		outcome = idempotency.OutcomeInProgress
	}
	return idempotency.BeginResult{Outcome: outcome, Record: rec}, nil
}

func (s *Store) Commit(ctx context.Context, key, owner string, result []byte, retention time.Duration) error {
	now := s.nowFunc().UTC()
	if result == nil {
		result = []byte{}
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: key},
			{Key: "status", Value: string(idempotency.StatusInProgress)},
			{Key: "lockOwner", Value: owner},
			{Key: "lockExpiresAt", Value: bson.D{{Key: "$gt", Value: now}}},
			{Key: "expiresAt", Value: bson.D{{Key: "$gt", Value: now}}},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: string(idempotency.StatusCompleted)},
				{Key: "result", Value: result},
				{Key: "expiresAt", Value: now.Add(retention)},
			}},
			{Key: "$unset", Value: bson.D{
				{Key: "lockOwner", Value: ""},
				{Key: "lockExpiresAt", Value: ""},
			}},
		},
	)
	if err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	if res.MatchedCount == 0 {
		return idempotency.ErrLockLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	_, err := s.coll.DeleteOne(ctx, bson.D{
		{Key: "_id", Value: key},
		{Key: "status", Value: string(idempotency.StatusInProgress)},
		{Key: "lockOwner", Value: owner},
	})
	if err != nil {
		return fmt.Errorf("release record: %w", err)
	}
	return nil
}

// Reap deletes expired documents without waiting for the TTL monitor.
func (s *Store) Reap(ctx context.Context) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{
		{Key: "expiresAt", Value: bson.D{{Key: "$lte", Value: s.nowFunc().UTC()}}},
	})
	if err != nil {
		return 0, fmt.Errorf("reap records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := s.find(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Expired(s.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) find(ctx context.Context, key string) (*idempotency.Record, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}
	return doc.record(), nil
}
