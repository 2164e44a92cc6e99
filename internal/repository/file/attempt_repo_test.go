package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/model"
)

func TestAttemptRepo_CRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), AttemptsFile)
	r := NewAttemptRepo(path, nil)

	_, err := r.Get(ctx, "alice")
	require.ErrorIs(t, err, errs.ErrNotFound)

	rec := model.AttemptRecord{Identity: "alice", Count: 2, LastAttempt: 100, Sources: []string{"h1"}}
	require.NoError(t, r.Put(ctx, rec))

	// a second instance sees the same state
	got, err := NewAttemptRepo(path, nil).Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	require.NoError(t, r.Delete(ctx, "alice"))
	require.NoError(t, r.Delete(ctx, "alice"))
	_, err = r.Get(ctx, "alice")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAttemptRepo_PruneBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewAttemptRepo(filepath.Join(t.TempDir(), AttemptsFile), nil)

	require.NoError(t, r.Put(ctx, model.AttemptRecord{Identity: "old", Count: 1, LastAttempt: 10}))
	require.NoError(t, r.Put(ctx, model.AttemptRecord{Identity: "new", Count: 1, LastAttempt: 500}))

	n, err := r.PruneBefore(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = r.Get(ctx, "old")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.Get(ctx, "new")
	require.NoError(t, err)
}

func TestAttemptRepo_CorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), AttemptsFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	r := NewAttemptRepo(path, nil)
	_, err := r.Get(ctx, "alice")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, r.Put(ctx, model.AttemptRecord{Identity: "alice", Count: 1}))
	_, err = r.Get(ctx, "alice")
	require.NoError(t, err)
}
