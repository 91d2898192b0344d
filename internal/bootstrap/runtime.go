// Package bootstrap builds backend clients once from configuration and
// injects them into the storage adapter, the audit sinks and the engine.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/imrishuroy/go-idempokit/internal/audit"
	"github.com/imrishuroy/go-idempokit/internal/aws"
	"github.com/imrishuroy/go-idempokit/internal/config"
	"github.com/imrishuroy/go-idempokit/internal/idempotency"
	"github.com/imrishuroy/go-idempokit/internal/payments"
	"github.com/imrishuroy/go-idempokit/internal/storage/dynamo"
	"github.com/imrishuroy/go-idempokit/internal/storage/memory"
	"github.com/imrishuroy/go-idempokit/internal/storage/mongostore"
	"github.com/imrishuroy/go-idempokit/internal/storage/redisstore"
	"github.com/imrishuroy/go-idempokit/internal/storage/sqlstore"
)

const (
	meterName   = "github.com/imrishuroy/go-idempokit"
	auditBuffer = 1024
	sqlMaxConns = 10
)

// Runtime holds everything a binary needs. Close releases it in reverse
// order of construction.
type Runtime struct {
	Config    config.Config
	Adapter   idempotency.Adapter
	Engine    *idempotency.Engine
	Processor *payments.Processor

	// DB and AuditStore are set for the SQL adapters only.
	DB         *sql.DB
	AuditStore *sqlstore.AuditStore

	logger  *slog.Logger
	clients *aws.AWSClients
	meter   metric.MeterProvider
	closers []func(context.Context) error
}

type Option func(*Runtime)

// WithLogger sets the logger shared by the engine, processor and sinks.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithAWSClients injects prebuilt clients instead of loading AWS config.
func WithAWSClients(c *aws.AWSClients) Option {
	return func(r *Runtime) { r.clients = c }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Runtime) { r.meter = mp }
}

// New connects the configured adapter and assembles the engine. On error
// anything already opened is closed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *Runtime, err error) {
	r := &Runtime{Config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.meter == nil {
		r.meter = otel.GetMeterProvider()
	}
	defer func() {
		if err != nil {
			_ = r.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := r.openAdapter(ctx); err != nil {
		return nil, err
	}
	sink, err := r.buildSinks(ctx)
	if err != nil {
		return nil, err
	}

	r.Engine = idempotency.New(r.Adapter,
		idempotency.WithLockTTL(cfg.LockTTL),
		idempotency.WithRetention(cfg.Retention),
		idempotency.WithHandlerTimeout(cfg.HandlerTimeout),
		idempotency.WithKeyPrefix(cfg.KeyPrefix),
		idempotency.WithAuditSink(sink),
		idempotency.WithLogger(r.logger),
	)

	var ledger payments.Ledger = payments.NewMemoryLedger()
	if cfg.PaymentsTable != "" {
		clients, err := r.awsClients(ctx)
		if err != nil {
			return nil, err
		}
		ledger = payments.NewDynamoLedger(clients.DynamoDB, cfg.PaymentsTable)
	}
	r.Processor = payments.NewProcessor(ledger, payments.WithLogger(r.logger))

	r.logger.InfoContext(ctx, "runtime ready",
		"module", "bootstrap", "layer", "runtime", "operation", "new", "outcome", "success",
		"adapter", cfg.Adapter)
	return r, nil
}

func (r *Runtime) openAdapter(ctx context.Context) error {
	cfg := r.Config
	switch cfg.Adapter {
	case config.AdapterMemory:
		r.Adapter = memory.NewStore()

	case config.AdapterRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		r.onClose(func(context.Context) error { return client.Close() })
		r.Adapter = redisstore.NewStore(client)

	case config.AdapterPostgres, config.AdapterSQLite:
		db, dialect, err := OpenSQL(ctx, cfg)
		if err != nil {
			return err
		}
		r.onClose(func(context.Context) error { return db.Close() })
		// Postgres schemas are applied out of band with idemctl migrate.
		if dialect == sqlstore.SQLite {
			if err := sqlstore.Migrate(ctx, db, dialect); err != nil {
				return err
			}
		}
		r.DB = db
		r.AuditStore = sqlstore.NewAuditStore(db, dialect)
		r.Adapter = sqlstore.NewStore(db, dialect)

	case config.AdapterDynamoDB:
		clients, err := r.awsClients(ctx)
		if err != nil {
			return err
		}
		r.Adapter = dynamo.NewStore(clients.DynamoDB, cfg.IdempotencyTable)

	case config.AdapterMongoDB:
		client, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		r.onClose(client.Disconnect)
		store := mongostore.NewStore(client.Database(cfg.MongoDatabase).Collection(mongostore.DefaultCollection))
		if err := store.EnsureIndexes(ctx); err != nil {
			return err
		}
		r.Adapter = store

	default:
		return fmt.Errorf("bootstrap: unknown adapter %q", cfg.Adapter)
	}
	return nil
}

// OpenSQL opens the database for a SQL adapter configuration.
func OpenSQL(ctx context.Context, cfg config.Config) (*sql.DB, sqlstore.Dialect, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Adapter)
	if err != nil {
		return nil, "", err
	}
	dsn := cfg.SQLitePath
	if dialect == sqlstore.Postgres {
		dsn = cfg.Postgres.DSN()
	}
	db, err := sqlstore.Open(ctx, dialect, dsn, sqlMaxConns)
	if err != nil {
		return nil, "", err
	}
	return db, dialect, nil
}

// buildSinks fans audit events out to the log, OpenTelemetry, and whichever
// of SQS, CloudWatch and the SQL audit table are configured. Remote sinks
// run behind a buffer so they never stall Execute.
func (r *Runtime) buildSinks(ctx context.Context) (audit.Sink, error) {
	cfg := r.Config
	metrics, err := audit.NewMetricsSink(r.meter.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("audit metrics: %w", err)
	}
	sinks := audit.Multi{audit.NewLogSink(r.logger), metrics}

	if cfg.AuditQueueURL != "" || cfg.MetricsNamespace != "" {
		clients, err := r.awsClients(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.AuditQueueURL != "" {
			sinks = append(sinks, r.async(aws.NewPublisher(clients.SQS, cfg.AuditQueueURL)))
		}
		if cfg.MetricsNamespace != "" {
			sinks = append(sinks, r.async(aws.NewMetricsSink(clients.CloudWatch, cfg.MetricsNamespace)))
		}
	}
	if r.AuditStore != nil {
		sinks = append(sinks, r.async(r.AuditStore))
	}
	return sinks, nil
}

func (r *Runtime) async(s audit.Sink) audit.Sink {
	a := audit.NewAsync(s, auditBuffer, r.logger)
	r.onClose(a.Close)
	return a
}

func (r *Runtime) awsClients(ctx context.Context) (*aws.AWSClients, error) {
	if r.clients != nil {
		return r.clients, nil
	}
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws clients: %w", err)
	}
	r.clients = clients
	return clients, nil
}

func (r *Runtime) onClose(f func(context.Context) error) {
	r.closers = append(r.closers, f)
}

// Close drains audit buffers and disconnects backends.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
