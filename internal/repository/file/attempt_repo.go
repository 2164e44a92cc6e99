// Package file implements repository interfaces on local JSON files.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/fsutil"
	"github.com/and161185/vaultkeeper/internal/model"
	"github.com/and161185/vaultkeeper/internal/repository"
)

// AttemptsFile is the conventional file name of the throttle store.
const AttemptsFile = "auth_attempts.json"

var _ repository.AttemptRepository = (*AttemptRepo)(nil)

// AttemptRepo keeps attempt records in a single JSON object keyed by
// identity. Every call re-reads the file so lockouts set by another process
// are honored; writes replace the file atomically.
type AttemptRepo struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// NewAttemptRepo returns a repository stored at path.
func NewAttemptRepo(path string, log *zap.Logger) *AttemptRepo {
	if log == nil {
		log = zap.NewNop()
	}
	return &AttemptRepo{path: path, log: log}
}

// Get returns the record for identity.
func (r *AttemptRepo) Get(_ context.Context, identity string) (model.AttemptRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.load()
	if err != nil {
		return model.AttemptRecord{}, err
	}
	rec, ok := recs[identity]
	if !ok {
		return model.AttemptRecord{}, errs.ErrNotFound
	}
	rec.Identity = identity
	return rec, nil
}

// Put inserts or replaces rec.
func (r *AttemptRepo) Put(_ context.Context, rec model.AttemptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.load()
	if err != nil {
		return err
	}
	recs[rec.Identity] = rec
	return r.store(recs)
}

// Delete removes the record for identity.
func (r *AttemptRepo) Delete(_ context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := recs[identity]; !ok {
		return nil
	}
	delete(recs, identity)
	return r.store(recs)
}

// PruneBefore removes records last touched before cutoff.
func (r *AttemptRepo) PruneBefore(_ context.Context, cutoff int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.load()
	if err != nil {
		return 0, err
	}
	n := 0
	for id, rec := range recs {
		if rec.LastAttempt < cutoff {
			delete(recs, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, r.store(recs)
}

// load reads the store. A missing file is empty; an unparsable one is
// logged and treated as empty so the throttle keeps working.
func (r *AttemptRepo) load() (map[string]model.AttemptRecord, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]model.AttemptRecord{}, nil
	}
	if err != nil {
		return nil, errs.IO("read attempts", err)
	}
	recs := map[string]model.AttemptRecord{}
	if len(data) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		r.log.Warn("attempt store unreadable, starting empty", zap.String("path", r.path), zap.Error(err))
		return map[string]model.AttemptRecord{}, nil
	}
	return recs, nil
}

func (r *AttemptRepo) store(recs map[string]model.AttemptRecord) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(r.path, data)
}
