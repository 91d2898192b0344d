// Package sqlstore implements the idempotency adapter and the append-only
// audit log on PostgreSQL or SQLite through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

const (
	deleteExpiredKeySQL = `DELETE FROM idempotency_records WHERE idempotency_key = ? AND expires_at <= ?`

	insertRecordSQL = `INSERT INTO idempotency_records
(idempotency_key, fingerprint, status, lock_owner, lock_expires_at, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO NOTHING`

	reclaimLockSQL = `UPDATE idempotency_records SET lock_owner = ?, lock_expires_at = ?
WHERE idempotency_key = ? AND fingerprint = ? AND status = ? AND lock_expires_at <= ?`

	selectRecordSQL = `SELECT idempotency_key, fingerprint, status, result, lock_owner, lock_expires_at, created_at, expires_at
FROM idempotency_records WHERE idempotency_key = ?`

	commitRecordSQL = `UPDATE idempotency_records
SET status = ?, result = ?, expires_at = ?, lock_owner = NULL, lock_expires_at = NULL
WHERE idempotency_key = ? AND status = ? AND lock_owner = ? AND lock_expires_at > ? AND expires_at > ?`

	releaseRecordSQL = `DELETE FROM idempotency_records WHERE idempotency_key = ? AND status = ? AND lock_owner = ?`

	reapRecordsSQL = `DELETE FROM idempotency_records WHERE expires_at <= ?`
)

// Store implements idempotency.Adapter. TryBegin runs in one transaction;
// the primary key and conditional UPDATE make concurrent callers race on
// the database rather than in the application.
type Store struct {
	db      *sql.DB
	dialect Dialect
	nowFunc func() time.Time
}

type Option func(*Store)

func WithNowFunc(f func() time.Time) Option {
	return func(s *Store) { s.nowFunc = f }
}

func NewStore(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TryBegin(ctx context.Context, p idempotency.BeginParams) (res idempotency.BeginResult, err error) {
	now := s.nowFunc()
	nowMs := now.UnixMilli()
	lockExpires := now.Add(p.LockTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.dialect.rebind(deleteExpiredKeySQL), p.Key, nowMs); err != nil {
		return res, fmt.Errorf("delete expired record: %w", err)
	}

	inserted, err := tx.ExecContext(ctx, s.dialect.rebind(insertRecordSQL),
		p.Key, string(p.Fingerprint), string(idempotency.StatusInProgress),
		p.LockOwner, lockExpires.UnixMilli(), nowMs, now.Add(p.Retention).UnixMilli())
	if err != nil {
		return res, fmt.Errorf("insert record: %w", err)
	}
	n, err := inserted.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("insert rows affected: %w", err)
	}
	if n == 1 {
		if err = tx.Commit(); err != nil {
			return res, fmt.Errorf("commit tx: %w", err)
		}
		return idempotency.BeginResult{Outcome: idempotency.OutcomeBegan, Record: &idempotency.Record{
			Key:           p.Key,
			Fingerprint:   p.Fingerprint,
			Status:        idempotency.StatusInProgress,
			LockOwner:     p.LockOwner,
			LockExpiresAt: lockExpires,
			CreatedAt:     now,
			ExpiresAt:     now.Add(p.Retention),
		}}, nil
	}

	reclaimed, err := tx.ExecContext(ctx, s.dialect.rebind(reclaimLockSQL),
		p.LockOwner, lockExpires.UnixMilli(), p.Key, string(p.Fingerprint), string(idempotency.StatusInProgress), nowMs)
	if err != nil {
		return res, fmt.Errorf("reclaim lock: %w", err)
	}
	if n, err = reclaimed.RowsAffected(); err != nil {
		return res, fmt.Errorf("reclaim rows affected: %w", err)
	}
	if n == 1 {
		rec, err := s.scanRecord(tx.QueryRowContext(ctx, s.dialect.rebind(selectRecordSQL), p.Key))
		if err != nil {
			return res, fmt.Errorf("read reclaimed record: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return res, fmt.Errorf("commit tx: %w", err)
		}
		return idempotency.BeginResult{Outcome: idempotency.OutcomeBegan, Record: rec, Reclaimed: true}, nil
	}

	rec, err := s.scanRecord(tx.QueryRowContext(ctx, s.dialect.rebind(selectRecordSQL), p.Key))
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted by a concurrent release between our statements; report
		// busy and let the caller retry.
		err = tx.Commit()
		return idempotency.BeginResult{Outcome: idempotency.OutcomeInProgress}, err
	}
	if err != nil {
		return res, fmt.Errorf("read record: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("commit tx: %w", err)
	}

	outcome := idempotency.Classify(rec, p.Fingerprint, now)
	if outcome == idempotency.OutcomeBegan {
		// The lock lapsed after our reclaim attempt; the next call takes it.
		outcome = idempotency.OutcomeInProgress
	}
	return idempotency.BeginResult{Outcome: outcome, Record: rec}, nil
}

func (s *Store) Commit(ctx context.Context, key, owner string, result []byte, retention time.Duration) error {
	now := s.nowFunc()
	if result == nil {
		result = []byte{}
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(commitRecordSQL),
		string(idempotency.StatusCompleted), result, now.Add(retention).UnixMilli(),
		key, string(idempotency.StatusInProgress), owner, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit rows affected: %w", err)
	}
	if n == 0 {
		return idempotency.ErrLockLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(releaseRecordSQL),
		key, string(idempotency.StatusInProgress), owner); err != nil {
		return fmt.Errorf("release record: %w", err)
	}
	return nil
}

func (s *Store) Reap(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(reapRecordsSQL), s.nowFunc().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reap records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := s.scanRecord(s.db.QueryRowContext(ctx, s.dialect.rebind(selectRecordSQL), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if rec.Expired(s.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) scanRecord(row *sql.Row) (*idempotency.Record, error) {
	var (
		rec                  idempotency.Record
		fp, status           string
		lockOwner            sql.NullString
		lockExpires          sql.NullInt64
		createdAt, expiresAt int64
	)
	if err := row.Scan(&rec.Key, &fp, &status, &rec.Result, &lockOwner, &lockExpires, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	rec.Fingerprint = idempotency.Fingerprint(fp)
	rec.Status = idempotency.Status(status)
	rec.LockOwner = lockOwner.String
	if lockExpires.Valid {
		rec.LockExpiresAt = time.UnixMilli(lockExpires.Int64)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return &rec, nil
}
