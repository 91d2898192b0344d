package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory stand-in for the DynamoDB operations the
// store issues. It evaluates the store's condition expressions by matching
// them verbatim.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
	deleteCalls int
	failWith    error
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}
	k := str(params.Item["idempotency_key"])
	if k == "" {
		return nil, errors.New("missing key")
	}
	existing, exists := m.table[k]

	switch cond := deref(params.ConditionExpression); cond {
	case "":
	case beginCondition:
		if exists && num(existing["expires_at_ms"]) > num(params.ExpressionAttributeValues[":now"]) {
			return nil, m.conditionFailure(existing, params.ReturnValuesOnConditionCheckFailure)
		}
	default:
		return nil, fmt.Errorf("mock: unsupported put condition %q", cond)
	}
	m.table[k] = clone(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}
	item, ok := m.table[str(params.Key["idempotency_key"])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}
	k := str(params.Key["idempotency_key"])
	item, exists := m.table[k]
	v := params.ExpressionAttributeValues

	switch cond := deref(params.ConditionExpression); cond {
	case reclaimCondition:
		ok := exists &&
			str(item["fingerprint"]) == str(v[":fp"]) &&
			str(item["status"]) == str(v[":in_progress"]) &&
			num(item["lock_expires_at_ms"]) <= num(v[":now"]) &&
			num(item["expires_at_ms"]) > num(v[":now"])
		if !ok {
			return nil, m.conditionFailure(item, params.ReturnValuesOnConditionCheckFailure)
		}
		item["lock_owner"] = v[":owner"]
		item["lock_expires_at_ms"] = v[":lock"]
	case commitCondition:
		ok := exists &&
			str(item["status"]) == str(v[":in_progress"]) &&
			str(item["lock_owner"]) == str(v[":owner"]) &&
			num(item["lock_expires_at_ms"]) > num(v[":now"]) &&
			num(item["expires_at_ms"]) > num(v[":now"])
		if !ok {
			return nil, m.conditionFailure(item, params.ReturnValuesOnConditionCheckFailure)
		}
		item["status"] = v[":completed"]
		item["result"] = v[":result"]
		item["expires_at_ms"] = v[":exp_ms"]
		item["expires_at"] = v[":exp"]
		delete(item, "lock_owner")
		delete(item, "lock_expires_at_ms")
	default:
		return nil, fmt.Errorf("mock: unsupported update condition %q", cond)
	}
	m.table[k] = item
	return &dyn.UpdateItemOutput{Attributes: clone(item)}, nil
}

func (m *simpleMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}
	k := str(params.Key["idempotency_key"])
	item, exists := m.table[k]
	v := params.ExpressionAttributeValues

	switch cond := deref(params.ConditionExpression); cond {
	case releaseCondition:
		if !exists || str(item["status"]) != str(v[":in_progress"]) || str(item["lock_owner"]) != str(v[":owner"]) {
			return nil, m.conditionFailure(item, params.ReturnValuesOnConditionCheckFailure)
		}
	default:
		return nil, fmt.Errorf("mock: unsupported delete condition %q", cond)
	}
	delete(m.table, k)
	return &dyn.DeleteItemOutput{}, nil
}

func (m *simpleMock) conditionFailure(item map[string]types.AttributeValue, rv types.ReturnValuesOnConditionCheckFailure) error {
	ccf := &types.ConditionalCheckFailedException{Message: awsString("The conditional request failed")}
	if rv == types.ReturnValuesOnConditionCheckFailureAllOld && item != nil {
		ccf.Item = clone(item)
	}
	return ccf
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}
