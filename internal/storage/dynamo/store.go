// Package dynamo implements the idempotency adapter on DynamoDB using
// conditional writes, so concurrent Lambda invocations agree on a single
// lock holder without a separate coordinator.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-idempokit/internal/aws"
	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

const (
	beginCondition   = "attribute_not_exists(idempotency_key) OR expires_at_ms <= :now"
	reclaimUpdate    = "SET lock_owner = :owner, lock_expires_at_ms = :lock"
	reclaimCondition = "fingerprint = :fp AND #s = :in_progress AND lock_expires_at_ms <= :now AND expires_at_ms > :now"
	commitUpdate     = "SET #s = :completed, #r = :result, expires_at_ms = :exp_ms, expires_at = :exp REMOVE lock_owner, lock_expires_at_ms"
	commitCondition  = "#s = :in_progress AND lock_owner = :owner AND lock_expires_at_ms > :now AND expires_at_ms > :now"
	releaseCondition = "#s = :in_progress AND lock_owner = :owner"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

type Option func(*Store)

func WithNowFunc(f func() time.Time) Option {
	return func(s *Store) { s.nowFunc = f }
}

// NewStore returns a Store bound to tableName, whose partition key is the
// string attribute idempotency_key.
func NewStore(client aws.DynamoDBAPI, tableName string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TryBegin(ctx context.Context, p idempotency.BeginParams) (idempotency.BeginResult, error) {
	now := s.nowFunc()
	it := item{
		IdempotencyKey:  p.Key,
		Fingerprint:     string(p.Fingerprint),
		Status:          string(idempotency.StatusInProgress),
		LockOwner:       p.LockOwner,
		LockExpiresAtMs: now.Add(p.LockTTL).UnixMilli(),
		CreatedAtMs:     now.UnixMilli(),
		ExpiresAtMs:     now.Add(p.Retention).UnixMilli(),
		ExpiresAt:       now.Add(p.Retention).Unix(),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return idempotency.BeginResult{}, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: awsString(beginCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(now),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return idempotency.BeginResult{Outcome: idempotency.OutcomeBegan, Record: it.record()}, nil
	}
	existing, failed := conditionFailed(err)
	if !failed {
		return idempotency.BeginResult{}, fmt.Errorf("put item: %w", err)
	}

	rec, err := s.recordFrom(ctx, p.Key, existing)
	if err != nil {
		return idempotency.BeginResult{}, err
	}
	if rec == nil {
		// Removed between the write and the read; the caller retries.
		return idempotency.BeginResult{Outcome: idempotency.OutcomeInProgress}, nil
	}

	outcome := idempotency.Classify(rec, p.Fingerprint, now)
	if outcome != idempotency.OutcomeBegan {
		return idempotency.BeginResult{Outcome: outcome, Record: rec}, nil
	}
	return s.reclaim(ctx, p, now, rec)
}

func (s *Store) reclaim(ctx context.Context, p idempotency.BeginParams, now time.Time, seen *idempotency.Record) (idempotency.BeginResult, error) {
	lockExpires := now.Add(p.LockTTL)
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(p.Key),
		UpdateExpression:         awsString(reclaimUpdate),
		ConditionExpression:      awsString(reclaimCondition),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":       &types.AttributeValueMemberS{Value: p.LockOwner},
			":lock":        millis(lockExpires),
			":fp":          &types.AttributeValueMemberS{Value: string(p.Fingerprint)},
			":in_progress": &types.AttributeValueMemberS{Value: string(idempotency.StatusInProgress)},
			":now":         millis(now),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		rec := seen.Clone()
		rec.LockOwner = p.LockOwner
		rec.LockExpiresAt = lockExpires
		return idempotency.BeginResult{Outcome: idempotency.OutcomeBegan, Record: rec, Reclaimed: true}, nil
	}
	existing, failed := conditionFailed(err)
	if !failed {
		return idempotency.BeginResult{}, fmt.Errorf("update item (reclaim): %w", err)
	}

	// Another caller reclaimed or completed it first.
	rec, err := s.recordFrom(ctx, p.Key, existing)
	if err != nil {
		return idempotency.BeginResult{}, err
	}
	if rec == nil {
		return idempotency.BeginResult{Outcome: idempotency.OutcomeInProgress}, nil
	}
	outcome := idempotency.Classify(rec, p.Fingerprint, now)
	if outcome == idempotency.OutcomeBegan {
		outcome = idempotency.OutcomeInProgress
	}
	return idempotency.BeginResult{Outcome: outcome, Record: rec}, nil
}

func (s *Store) Commit(ctx context.Context, key, owner string, result []byte, retention time.Duration) error {
	now := s.nowFunc()
	expires := now.Add(retention)
	if result == nil {
		result = []byte{}
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(key),
		UpdateExpression:         awsString(commitUpdate),
		ConditionExpression:      awsString(commitCondition),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#r": "result"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed":   &types.AttributeValueMemberS{Value: string(idempotency.StatusCompleted)},
			":in_progress": &types.AttributeValueMemberS{Value: string(idempotency.StatusInProgress)},
			":result":      &types.AttributeValueMemberB{Value: result},
			":owner":       &types.AttributeValueMemberS{Value: owner},
			":now":         millis(now),
			":exp_ms":      millis(expires),
			":exp":         &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Unix(), 10)},
		},
	})
	if err == nil {
		return nil
	}
	if _, failed := conditionFailed(err); failed {
		return idempotency.ErrLockLost
	}
	return fmt.Errorf("update item (commit): %w", err)
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(key),
		ConditionExpression:      awsString(releaseCondition),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":in_progress": &types.AttributeValueMemberS{Value: string(idempotency.StatusInProgress)},
			":owner":       &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err == nil {
		return nil
	}
	if _, failed := conditionFailed(err); failed {
		return nil
	}
	return fmt.Errorf("delete item (release): %w", err)
}

// Reap is a no-op; the table's TTL on expires_at removes items.
func (s *Store) Reap(context.Context) (int64, error) { return 0, nil }

// Get retrieves a record by key. If not found or expired, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := s.fetch(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Expired(s.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) fetch(ctx context.Context, key string) (*idempotency.Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decode(out.Item)
}

// recordFrom decodes the item returned with a failed condition, falling back
// to a consistent read when the service did not include it.
func (s *Store) recordFrom(ctx context.Context, key string, av map[string]types.AttributeValue) (*idempotency.Record, error) {
	if len(av) > 0 {
		return decode(av)
	}
	return s.fetch(ctx, key)
}

func decode(av map[string]types.AttributeValue) (*idempotency.Record, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return it.record(), nil
}

// conditionFailed reports whether err is a failed condition check and
// returns the item attached to it, if any.
func conditionFailed(err error) (map[string]types.AttributeValue, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf.Item, true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
		return nil, true
	}
	return nil, false
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
