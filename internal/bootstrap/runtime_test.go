package bootstrap

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/imrishuroy/go-idempokit/internal/audit"
	"github.com/imrishuroy/go-idempokit/internal/aws"
	"github.com/imrishuroy/go-idempokit/internal/config"
	"github.com/imrishuroy/go-idempokit/internal/payments"
	"github.com/imrishuroy/go-idempokit/internal/storage/sqlstore"
)

type fakeClients struct {
	mu      sync.Mutex
	puts    []string
	updates []string
	sent    []string
	metrics int
}

func (f *fakeClients) PutItem(_ context.Context, in *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, *in.TableName)
	return &dyn.PutItemOutput{}, nil
}

func (f *fakeClients) GetItem(context.Context, *dyn.GetItemInput, ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	return &dyn.GetItemOutput{}, nil
}

func (f *fakeClients) UpdateItem(_ context.Context, in *dyn.UpdateItemInput, _ ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *in.TableName)
	return &dyn.UpdateItemOutput{}, nil
}

func (f *fakeClients) DeleteItem(context.Context, *dyn.DeleteItemInput, ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return &dyn.DeleteItemOutput{}, nil
}

func (f *fakeClients) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *in.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeClients) PutMetricData(context.Context, *cloudwatch.PutMetricDataInput, ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics++
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func testConfig(adapter string) config.Config {
	cfg := config.Default()
	cfg.Adapter = adapter
	return cfg
}

func charge(ctx context.Context, rt *Runtime, key string) ([]byte, error) {
	fp, err := rt.Engine.Fingerprint(map[string]any{"amount": 1000, "currency": "USD"})
	if err != nil {
		return nil, err
	}
	return rt.Engine.Execute(ctx, key, fp, func(context.Context) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
}

func TestNewMemoryRuntime(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	rt, err := New(ctx, testConfig(config.AdapterMemory),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	assert.Nil(t, rt.DB)
	assert.Nil(t, rt.AuditStore)
	require.NotNil(t, rt.Processor)

	first, err := charge(ctx, rt, "order-0001abcd")
	require.NoError(t, err)
	second, err := charge(ctx, rt, "order-0001abcd")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// records live under the configured prefix
	rec, err := rt.Engine.Lookup(ctx, "order-0001abcd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "payment:order-0001abcd", rec.Key)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), total, "began, completed, replayed")
}

func TestNewSQLiteRuntimePersistsAudit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.AdapterSQLite)
	cfg.SQLitePath = filepath.Join(t.TempDir(), "idem.db")

	rt, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, rt.DB)
	require.NotNil(t, rt.AuditStore)

	_, err = charge(ctx, rt, "order-0002abcd")
	require.NoError(t, err)
	require.NoError(t, rt.Close(ctx))

	db, dialect, err := OpenSQL(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, sqlstore.SQLite, dialect)

	events, err := sqlstore.NewAuditStore(db, dialect).List(ctx, "order-0002abcd", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionBegan, events[0].Action)
	assert.Equal(t, audit.ActionCompleted, events[1].Action)
}

func TestNewDynamoRuntimeWiresAWSSinks(t *testing.T) {
	ctx := context.Background()
	fake := &fakeClients{}
	cfg := testConfig(config.AdapterDynamoDB)
	cfg.PaymentsTable = "payments"
	cfg.AuditQueueURL = "https://sqs.local/audit"
	cfg.MetricsNamespace = "Idempokit"

	rt, err := New(ctx, cfg, WithAWSClients(&aws.AWSClients{
		Region:     "us-east-1",
		DynamoDB:   fake,
		SQS:        fake,
		CloudWatch: fake,
	}))
	require.NoError(t, err)

	_, err = charge(ctx, rt, "order-0003abcd")
	require.NoError(t, err)

	_, err = rt.Processor.Process(ctx, payments.Charge{Amount: 500, Currency: "EUR", CustomerID: "cus_2"})
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(closeCtx))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"idempotency", "payments"}, fake.puts)
	assert.Equal(t, []string{"idempotency"}, fake.updates)
	assert.Len(t, fake.sent, 2)
	assert.Equal(t, 2, fake.metrics)
}

func TestNewRejectsUnknownAdapter(t *testing.T) {
	_, err := New(context.Background(), testConfig("cassandra"))
	require.ErrorContains(t, err, "unknown adapter")
}
