package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imrishuroy/go-idempokit/internal/audit"
)

const (
	insertAuditSQL = `INSERT INTO idempotency_audit (event_id, idempotency_key, action, metadata, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (event_id) DO NOTHING`

	listAuditSQL = `SELECT event_id, idempotency_key, action, metadata, created_at
FROM idempotency_audit WHERE idempotency_key = ? ORDER BY created_at, id LIMIT ?`
)

// AuditStore persists audit events to the append-only idempotency_audit
// table. The schema rejects UPDATE and DELETE. Appending the same event ID
// twice is a no-op, so queue redeliveries are harmless.
type AuditStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewAuditStore(db *sql.DB, dialect Dialect) *AuditStore {
	return &AuditStore{db: db, dialect: dialect}
}

// Append writes ev.
func (s *AuditStore) Append(ctx context.Context, ev audit.Event) error {
	var md any
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		md = string(raw)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(insertAuditSQL),
		ev.ID, ev.Key, string(ev.Action), md, ev.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Emit makes AuditStore an audit.Sink.
func (s *AuditStore) Emit(ctx context.Context, ev audit.Event) error {
	return s.Append(ctx, ev)
}

// List returns up to limit events for key, oldest first.
func (s *AuditStore) List(ctx context.Context, key string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(listAuditSQL), key, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			ev      audit.Event
			action  string
			md      []byte
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.Key, &action, &md, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Action = audit.Action(action)
		ev.Timestamp = time.UnixMilli(created).UTC()
		if len(md) > 0 {
			if err := json.Unmarshal(md, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
