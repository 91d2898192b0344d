package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to dsn and verifies the connection. SQLite is limited to a
// single connection so transactions serialise instead of failing with
// SQLITE_BUSY.
func Open(ctx context.Context, dialect Dialect, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	switch {
	case dialect == SQLite:
		db.SetMaxOpenConns(1)
	case maxConns > 0:
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	db.SetConnMaxIdleTime(15 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	slog.Default().InfoContext(ctx, "sql connect completed",
		"module", "sqlstore",
		"layer", "adapter",
		"operation", "connect",
		"outcome", "success",
		"dialect", string(dialect),
	)
	return db, nil
}
