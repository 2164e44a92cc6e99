// Package throttle rate-limits authentication attempts per identity.
//
// An identity is open until MaxAttempts failures accumulate, then locked
// until Lockout has elapsed since the last attempt, after which the counter
// resets. Check must be called before any key derivation so a locked
// identity never reaches the expensive path.
package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/model"
	"github.com/and161185/vaultkeeper/internal/repository"
)

// Defaults.
const (
	DefaultMaxAttempts = 5
	DefaultLockout     = 300 * time.Second
)

// Status is the outcome of a Check.
type Status struct {
	Allowed   bool
	Remaining int           // attempts left before lockout
	Unlock    time.Duration // zero unless denied
}

// SecondsUntilUnlock rounds Unlock up to whole seconds.
func (s Status) SecondsUntilUnlock() int {
	return int(math.Ceil(s.Unlock.Seconds()))
}

// Err returns a *errs.LockoutError when the status denies access.
func (s Status) Err() error {
	if s.Allowed {
		return nil
	}
	return &errs.LockoutError{Remaining: s.Unlock}
}

// Throttle is safe for concurrent use within a process.
type Throttle struct {
	mu      sync.Mutex
	repo    repository.AttemptRepository
	max     int
	lockout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithMaxAttempts sets the number of failures that triggers a lockout.
func WithMaxAttempts(n int) Option { return func(t *Throttle) { t.max = n } }

// WithLockout sets the lockout window.
func WithLockout(d time.Duration) Option { return func(t *Throttle) { t.lockout = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Throttle) { t.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Throttle) { t.log = l } }

// New constructs a Throttle over repo.
func New(repo repository.AttemptRepository, opts ...Option) *Throttle {
	t := &Throttle{
		repo:    repo,
		max:     DefaultMaxAttempts,
		lockout: DefaultLockout,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.max < 1 {
		t.max = 1
	}
	return t
}

// HashSource returns a stable digest of a source address so raw addresses
// are never persisted.
func HashSource(src string) string {
	h := sha256.Sum256([]byte(src))
	return hex.EncodeToString(h[:])
}

// Check reports whether identity may attempt authentication now.
func (t *Throttle) Check(ctx context.Context, identity string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	t.prune(ctx, now)

	rec, err := t.repo.Get(ctx, identity)
	if errors.Is(err, errs.ErrNotFound) {
		return Status{Allowed: true, Remaining: t.max}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("load attempts: %w", err)
	}

	elapsed := time.Duration(now-rec.LastAttempt) * time.Second
	if elapsed >= t.lockout {
		if err := t.repo.Delete(ctx, identity); err != nil {
			return Status{}, fmt.Errorf("reset attempts: %w", err)
		}
		return Status{Allowed: true, Remaining: t.max}, nil
	}
	if rec.Count >= t.max {
		return Status{Allowed: false, Remaining: 0, Unlock: t.lockout - elapsed}, nil
	}
	return Status{Allowed: true, Remaining: t.max - rec.Count}, nil
}

// Record registers the outcome of an attempt. Success clears the identity's
// counter and sources; failure increments the counter and stamps the time.
// source may be empty.
func (t *Throttle) Record(ctx context.Context, identity string, success bool, source string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if success {
		if err := t.repo.Delete(ctx, identity); err != nil {
			return fmt.Errorf("reset attempts: %w", err)
		}
		return nil
	}

	now := t.now().Unix()
	rec, err := t.repo.Get(ctx, identity)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		rec = model.AttemptRecord{Identity: identity}
	case err != nil:
		return fmt.Errorf("load attempts: %w", err)
	case time.Duration(now-rec.LastAttempt)*time.Second >= t.lockout:
		rec = model.AttemptRecord{Identity: identity}
	}

	rec.Count++
	rec.LastAttempt = now
	if source != "" {
		if h := HashSource(source); !slices.Contains(rec.Sources, h) {
			rec.Sources = append(rec.Sources, h)
		}
	}
	if err := t.repo.Put(ctx, rec); err != nil {
		return fmt.Errorf("store attempts: %w", err)
	}

	if rec.Count == t.max {
		t.log.Warn("identity locked",
			zap.String("identity", identity),
			zap.Int("failures", rec.Count),
			zap.Duration("lockout", t.lockout))
	}
	return nil
}

func (t *Throttle) prune(ctx context.Context, now int64) {
	cutoff := now - int64(t.lockout/time.Second)
	n, err := t.repo.PruneBefore(ctx, cutoff)
	if err != nil {
		t.log.Warn("prune attempts failed", zap.Error(err))
		return
	}
	if n > 0 {
		t.log.Debug("pruned stale attempts", zap.Int("count", n))
	}
}
