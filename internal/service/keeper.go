// Package service exposes the vault engine to a front end: throttled
// opening of vaults plus the operations a UI performs on an open vault.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/model"
	"github.com/and161185/vaultkeeper/internal/secmem"
	"github.com/and161185/vaultkeeper/internal/throttle"
	"github.com/and161185/vaultkeeper/internal/vault"
)

// Keeper is the interface a front end programs against.
type Keeper interface {
	// OpenVault checks the throttle, derives keys and loads the vault.
	// It takes ownership of secret.
	OpenVault(ctx context.Context, identity string, secret *secmem.Secret, source string) (*vault.Store, error)
	// VaultExists reports whether identity already has a vault.
	VaultExists(identity string) bool
	ListEntries(h *vault.Store, search, category string) []model.PasswordEntry
	SaveEntry(ctx context.Context, h *vault.Store, in vault.EntryInput) error
	DeleteEntry(ctx context.Context, h *vault.Store, service string) error
	AddCategory(ctx context.Context, h *vault.Store, name string) error
	// ChangeSecret re-encrypts under newSecret, taking ownership of it.
	ChangeSecret(ctx context.Context, h *vault.Store, newSecret *secmem.Secret) error
	ChangeIdentity(ctx context.Context, h *vault.Store, newIdentity string) error
	RestoreBackup(ctx context.Context, h *vault.Store, ts int64) error
	CheckAttempt(ctx context.Context, identity string) (throttle.Status, error)
	RecordAttempt(ctx context.Context, identity string, success bool, source string) error
	// Wipe zeroizes the handle's secret and drops its entries.
	Wipe(h *vault.Store)
}

// Throttler gates authentication attempts. *throttle.Throttle implements it.
type Throttler interface {
	Check(ctx context.Context, identity string) (throttle.Status, error)
	Record(ctx context.Context, identity string, success bool, source string) error
}

var _ Keeper = (*KeeperImpl)(nil)

// KeeperImpl implements Keeper over vault files and a Throttler.
type KeeperImpl struct {
	opts          vault.Options
	thr           Throttler
	deriveTimeout time.Duration
	log           *zap.Logger
}

// NewKeeper constructs a Keeper. deriveTimeout bounds every operation that
// runs key derivation.
func NewKeeper(opts vault.Options, thr Throttler, deriveTimeout time.Duration, log *zap.Logger) *KeeperImpl {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	return &KeeperImpl{opts: opts, thr: thr, deriveTimeout: deriveTimeout, log: log}
}

// bounded allows n key derivations. Writes derive once for the snapshot
// and once for the vault; rotations also verify. Opening a damaged vault
// derives again to check the secret against a snapshot.
func (k *KeeperImpl) bounded(ctx context.Context, n int) (context.Context, context.CancelFunc) {
	if k.deriveTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(n)*k.deriveTimeout)
}

// OpenVault authenticates (identity, secret) by decrypting the vault.
// A wrong secret counts as a failed attempt; once the identity is locked
// the error is a *errs.LockoutError.
func (k *KeeperImpl) OpenVault(ctx context.Context, identity string, secret *secmem.Secret, source string) (*vault.Store, error) {
	if err := vault.ValidateIdentity(identity); err != nil {
		secret.Release()
		return nil, err
	}

	st, err := k.thr.Check(ctx, identity)
	if err != nil {
		secret.Release()
		return nil, err
	}
	if !st.Allowed {
		secret.Release()
		k.log.Info("open refused, identity locked", zap.String("identity", identity), zap.Int("retry_in_s", st.SecondsUntilUnlock()))
		return nil, st.Err()
	}

	dctx, cancel := k.bounded(ctx, 2)
	defer cancel()
	store, err := vault.Open(dctx, k.opts, identity, secret)
	switch {
	case err == nil:
		if rerr := k.thr.Record(ctx, identity, true, source); rerr != nil {
			k.log.Warn("record success failed", zap.Error(rerr))
		}
		return store, nil
	case errors.Is(err, errs.ErrIntegrity):
		if rerr := k.thr.Record(ctx, identity, false, source); rerr != nil {
			k.log.Warn("record failure failed", zap.Error(rerr))
		}
		if after, cerr := k.thr.Check(ctx, identity); cerr == nil && !after.Allowed {
			return nil, after.Err()
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	default:
		return nil, err
	}
}

// VaultExists reports whether identity has a vault file.
func (k *KeeperImpl) VaultExists(identity string) bool {
	return vault.Exists(k.opts.Dir, identity)
}

// ListEntries filters the open vault.
func (k *KeeperImpl) ListEntries(h *vault.Store, search, category string) []model.PasswordEntry {
	return h.Filter(search, category)
}

// SaveEntry validates and upserts an entry.
func (k *KeeperImpl) SaveEntry(ctx context.Context, h *vault.Store, in vault.EntryInput) error {
	dctx, cancel := k.bounded(ctx, 2)
	defer cancel()
	return h.SaveEntry(dctx, in)
}

// DeleteEntry removes an entry.
func (k *KeeperImpl) DeleteEntry(ctx context.Context, h *vault.Store, service string) error {
	dctx, cancel := k.bounded(ctx, 2)
	defer cancel()
	return h.DeleteEntry(dctx, service)
}

// AddCategory registers a category.
func (k *KeeperImpl) AddCategory(ctx context.Context, h *vault.Store, name string) error {
	dctx, cancel := k.bounded(ctx, 2)
	defer cancel()
	return h.AddCategory(dctx, name)
}

// ChangeSecret rotates the master secret.
func (k *KeeperImpl) ChangeSecret(ctx context.Context, h *vault.Store, newSecret *secmem.Secret) error {
	dctx, cancel := k.bounded(ctx, 3)
	defer cancel()
	return h.RotateSecret(dctx, newSecret)
}

// ChangeIdentity moves the vault to a new identity.
func (k *KeeperImpl) ChangeIdentity(ctx context.Context, h *vault.Store, newIdentity string) error {
	dctx, cancel := k.bounded(ctx, 3)
	defer cancel()
	return h.RotateIdentity(dctx, newIdentity)
}

// RestoreBackup restores a snapshot (0 = newest).
func (k *KeeperImpl) RestoreBackup(ctx context.Context, h *vault.Store, ts int64) error {
	dctx, cancel := k.bounded(ctx, 3)
	defer cancel()
	return h.RestoreBackup(dctx, ts)
}

// CheckAttempt reports the throttle status of identity.
func (k *KeeperImpl) CheckAttempt(ctx context.Context, identity string) (throttle.Status, error) {
	return k.thr.Check(ctx, identity)
}

// RecordAttempt records an authentication outcome decided elsewhere.
func (k *KeeperImpl) RecordAttempt(ctx context.Context, identity string, success bool, source string) error {
	return k.thr.Record(ctx, identity, success, source)
}

// Wipe zeroizes the handle.
func (k *KeeperImpl) Wipe(h *vault.Store) {
	if h != nil {
		h.Wipe()
	}
}

