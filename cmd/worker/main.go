package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-idempokit/internal/bootstrap"
	"github.com/imrishuroy/go-idempokit/internal/config"
	"github.com/imrishuroy/go-idempokit/internal/storage/sqlstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("worker failed", "module", "worker", "layer", "main", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	if !cfg.IsSQL() {
		return fmt.Errorf("audit worker needs a SQL adapter, got %q", cfg.Adapter)
	}
	db, dialect, err := bootstrap.OpenSQL(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if dialect == sqlstore.SQLite {
		if err := sqlstore.Migrate(ctx, db, dialect); err != nil {
			return err
		}
	}

	p := NewProcessor(sqlstore.NewAuditStore(db, dialect), logger)

	// RUN_LOCAL replays a single message from LOCAL_SQS_BODY.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			return fmt.Errorf("RUN_LOCAL needs LOCAL_SQS_BODY")
		}
		resp, err := p.Handle(ctx, events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if err != nil {
			return err
		}
		if len(resp.BatchItemFailures) > 0 {
			return fmt.Errorf("local message failed")
		}
		return nil
	}

	lambda.Start(p.Handle)
	return nil
}
