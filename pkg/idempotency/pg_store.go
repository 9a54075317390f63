package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore keeps records in iam.idempotency_records.
type PGStore struct {
	pool pgBeginner
}

func NewPGStore(pool pgBeginner) *PGStore {
	return &PGStore{pool: pool}
}

const pgClaimSQL = `
INSERT INTO iam.idempotency_records AS r (key, fingerprint, status, result, error_message, created_at, expires_at)
VALUES ($1, $2, 'pending', NULL, '', $3, $4)
ON CONFLICT (key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    status = 'pending',
    result = NULL,
    error_message = '',
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE r.expires_at <= $5
RETURNING r.key
`

const pgSelectSQL = `
SELECT key, fingerprint, status, result, error_message, created_at, expires_at
FROM iam.idempotency_records
WHERE key = $1 AND expires_at > $2
`

func (s *PGStore) Claim(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var key string
	err = tx.QueryRow(ctx, pgClaimSQL, rec.Key, rec.Fingerprint, rec.CreatedAt, rec.ExpiresAt, now).Scan(&key)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Record{}, false, err
		}
		return Record{}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, err
	}

	existing, err := scanRecord(tx.QueryRow(ctx, pgSelectSQL, rec.Key, now))
	if err != nil {
		return Record{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, false, err
	}
	return existing, false, nil
}

func (s *PGStore) Finish(ctx context.Context, key string, claimedAt time.Time, status Status, result []byte, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	tag, err := tx.Exec(ctx, `
UPDATE iam.idempotency_records
SET status = $2, result = $3, error_message = $4
WHERE key = $1 AND status = 'pending' AND created_at = $5
`, key, string(status), result, errMsg, claimedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, key string, now time.Time) (Record, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rec, err := scanRecord(tx.QueryRow(ctx, pgSelectSQL, key, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	tag, err := tx.Exec(ctx, `DELETE FROM iam.idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	if err := row.Scan(&rec.Key, &rec.Fingerprint, &status, &rec.Result, &rec.ErrorMessage, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
