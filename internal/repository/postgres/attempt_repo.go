package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/model"
	"github.com/and161185/vaultkeeper/internal/repository"
)

var _ repository.AttemptRepository = (*AttemptRepo)(nil)

// AttemptRepo implements AttemptRepository using PostgreSQL.
type AttemptRepo struct{ db *DB }

// NewAttemptRepo constructs an attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo { return &AttemptRepo{db: db} }

// Get selects the record for identity.
func (r *AttemptRepo) Get(ctx context.Context, identity string) (model.AttemptRecord, error) {
	const q = `
SELECT identity, count, last_attempt, source_addresses
FROM auth_attempts WHERE identity=$1`
	var rec model.AttemptRecord
	err := r.db.Pool.QueryRow(ctx, q, identity).Scan(&rec.Identity, &rec.Count, &rec.LastAttempt, &rec.Sources)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AttemptRecord{}, errs.ErrNotFound
	}
	if err != nil {
		return model.AttemptRecord{}, err
	}
	return rec, nil
}

// Put upserts the record.
func (r *AttemptRepo) Put(ctx context.Context, rec model.AttemptRecord) error {
	const q = `
INSERT INTO auth_attempts (identity, count, last_attempt, source_addresses)
VALUES ($1, $2, $3, $4)
ON CONFLICT (identity) DO UPDATE
SET count = EXCLUDED.count, last_attempt = EXCLUDED.last_attempt, source_addresses = EXCLUDED.source_addresses`
	sources := rec.Sources
	if sources == nil {
		sources = []string{}
	}
	_, err := r.db.Pool.Exec(ctx, q, rec.Identity, rec.Count, rec.LastAttempt, sources)
	return err
}

// Delete removes the record for identity.
func (r *AttemptRepo) Delete(ctx context.Context, identity string) error {
	const q = `DELETE FROM auth_attempts WHERE identity=$1`
	_, err := r.db.Pool.Exec(ctx, q, identity)
	return err
}

// PruneBefore deletes records last touched before cutoff.
func (r *AttemptRepo) PruneBefore(ctx context.Context, cutoff int64) (int, error) {
	const q = `DELETE FROM auth_attempts WHERE last_attempt < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
