package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempokit/internal/aws"
)

// ErrDuplicatePayment is returned when a payment ID is already recorded.
var ErrDuplicatePayment = errors.New("payment already recorded")

// Ledger records processed payments.
type Ledger interface {
	Put(ctx context.Context, p Payment) error
	Get(ctx context.Context, paymentID string) (*Payment, error)
}

// DynamoLedger encapsulates operations on the payments table.
type DynamoLedger struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewDynamoLedger creates a ledger on tableName, whose partition key is the
// string attribute payment_id.
func NewDynamoLedger(client aws.DynamoDBAPI, tableName string) *DynamoLedger {
	return &DynamoLedger{
		client:    client,
		tableName: tableName,
	}
}

// Put writes p once; a second write of the same ID fails with
// ErrDuplicatePayment instead of overwriting.
func (l *DynamoLedger) Put(ctx context.Context, p Payment) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	_, err = l.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &l.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(payment_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("put payment: %w", err)
	}
	return nil
}

// Get fetches a payment by payment_id. Returns (nil, nil) if not found.
func (l *DynamoLedger) Get(ctx context.Context, paymentID string) (*Payment, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &l.tableName,
		Key: map[string]types.AttributeValue{
			"payment_id": &types.AttributeValueMemberS{Value: paymentID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Payment
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &p, nil
}

// MemoryLedger keeps payments in process, for local runs without AWS.
type MemoryLedger struct {
	mu       sync.Mutex
	payments map[string]Payment
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{payments: make(map[string]Payment)}
}

func (l *MemoryLedger) Put(_ context.Context, p Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.payments[p.PaymentID]; ok {
		return ErrDuplicatePayment
	}
	l.payments[p.PaymentID] = p
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, paymentID string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[paymentID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// Len reports how many payments were recorded.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.payments)
}

func awsString(s string) *string { return &s }

