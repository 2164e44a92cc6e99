// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/vaultkeeper/internal/model"
)

// AttemptRepository persists per-identity authentication attempt records.
type AttemptRepository interface {
	// Get loads the record for identity or returns errs.ErrNotFound.
	Get(ctx context.Context, identity string) (model.AttemptRecord, error)
	// Put inserts or replaces the record for rec.Identity.
	Put(ctx context.Context, rec model.AttemptRecord) error
	// Delete removes the record for identity. Missing records are not an error.
	Delete(ctx context.Context, identity string) error
	// PruneBefore removes records whose last attempt is older than cutoff
	// (unix seconds) and reports how many were removed.
	PruneBefore(ctx context.Context, cutoff int64) (int, error)
}
