// Package vault owns one identity's decrypted vault: CRUD over its entries
// and categories, filtering, and encrypted atomic persistence with a backup
// snapshot before every overwrite.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vaultkeeper/internal/backup"
	"github.com/and161185/vaultkeeper/internal/crypto/envelope"
	"github.com/and161185/vaultkeeper/internal/crypto/kdf"
	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/fsutil"
	"github.com/and161185/vaultkeeper/internal/model"
	"github.com/and161185/vaultkeeper/internal/secmem"
)

// Ext is the vault file extension.
const Ext = ".vault"

// LoadState tells how Open found the vault file.
type LoadState int

const (
	// Fresh: no vault file (or an empty one) existed.
	Fresh LoadState = iota
	// Loaded: the file decrypted and validated.
	Loaded
	// Unreadable: the file is damaged but the secret was proven, either by
	// the file's own envelope (malformed payload) or by a snapshot of it.
	// The store holds an empty vault and refuses writes until Quarantine.
	Unreadable
)

func (s LoadState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Loaded:
		return "loaded"
	case Unreadable:
		return "unreadable"
	}
	return "LoadState(" + strconv.Itoa(int(s)) + ")"
}

// Options are fixed for the lifetime of a Store.
type Options struct {
	Dir     string // vault files live here as <identity>.vault
	KDF     kdf.Config
	Backups *backup.Manager
	Writer  fsutil.Writer
	Clock   func() time.Time
	Logger  *zap.Logger
}

func (o *Options) setDefaults() error {
	if o.Dir == "" {
		return errors.New("vault: empty directory")
	}
	if o.Backups == nil {
		return errors.New("vault: backup manager required")
	}
	if o.KDF == (kdf.Config{}) {
		o.KDF = kdf.DefaultConfig()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// Path returns the vault file of identity under dir.
func Path(dir, identity string) string {
	return filepath.Join(dir, identity+Ext)
}

// Exists reports whether identity has a vault file under dir.
func Exists(dir, identity string) bool {
	if ValidateIdentity(identity) != nil {
		return false
	}
	return fsutil.Exists(Path(dir, identity))
}

// Store is safe for concurrent use. It must be the only writer of its
// vault file; there is no cross-process locking.
type Store struct {
	mu     sync.RWMutex
	opts   Options
	log    *zap.Logger
	path   string
	cipher *envelope.Cipher

	data      model.Vault
	persisted model.Vault // last state written to or read from disk
	state     LoadState
	reason    error
	wiped     bool
}

// Open derives keys for (identity, secret) and loads the identity's vault.
// It takes ownership of secret.
//
// A wrong secret or a tampered file yields errs.ErrIntegrity. A file whose
// payload is malformed yields a Store in the Unreadable state.
func Open(ctx context.Context, opts Options, identity string, secret *secmem.Secret) (*Store, error) {
	if err := opts.setDefaults(); err != nil {
		secret.Release()
		return nil, err
	}
	if err := ValidateIdentity(identity); err != nil {
		secret.Release()
		return nil, err
	}
	c, err := envelope.NewCipher(identity, secret, opts.KDF)
	if err != nil {
		secret.Release()
		return nil, err
	}

	s := &Store{
		opts:   opts,
		log:    opts.Logger.With(zap.String("identity", identity)),
		path:   Path(opts.Dir, identity),
		cipher: c,
	}
	if err := s.load(ctx); err != nil {
		c.Release()
		return nil, err
	}
	s.log.Info("vault opened", zap.Stringer("state", s.state), zap.Int("entries", len(s.data.Passwords)))
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	s.data, s.persisted, s.state, s.reason = model.NewVault(), model.NewVault(), Fresh, nil

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(raw) == 0) {
		return nil
	}
	if err != nil {
		return errs.IO("read vault", err)
	}

	var v model.Vault
	err = s.cipher.Decrypt(ctx, raw, &v)
	switch {
	case err == nil:
		s.data, s.persisted, s.state = v, v.Clone(), Loaded
		return nil
	case errors.Is(err, errs.ErrPayload):
		s.state, s.reason = Unreadable, err
		s.log.Warn("vault unreadable", zap.Error(err))
		return nil
	case errors.Is(err, errs.ErrFormat):
		// the envelope itself is damaged, so nothing has checked the secret yet
		if verr := s.verifySecret(ctx); verr != nil {
			return fmt.Errorf("open vault: %w", verr)
		}
		s.state, s.reason = Unreadable, err
		s.log.Warn("vault unreadable, secret verified by snapshot", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("open vault: %w", err)
	}
}

// verifySecret proves the cipher against the newest snapshot of this vault
// that is itself intact. A snapshot sealed under another secret fails the
// open as errs.ErrIntegrity. With no usable snapshot the file stays locked
// behind errs.ErrUnreadable and must be moved aside by hand.
func (s *Store) verifySecret(ctx context.Context) error {
	list, err := s.opts.Backups.List(s.path)
	if err != nil {
		return err
	}
	for _, b := range list {
		_, err := s.opts.Backups.Restore(ctx, s.path, b.Timestamp, s.cipher)
		switch {
		case err == nil, errors.Is(err, errs.ErrPayload), errors.Is(err, errs.ErrBackupMismatch):
			return nil
		case errors.Is(err, errs.ErrBackupKey):
			return fmt.Errorf("%w: secret does not match the latest snapshot", errs.ErrIntegrity)
		case errors.Is(err, errs.ErrFormat), errors.Is(err, errs.ErrIO):
			s.log.Warn("snapshot unusable for verification", zap.Int64("ts", b.Timestamp), zap.Error(err))
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("%w: %s is damaged and no snapshot can verify the secret", errs.ErrUnreadable, filepath.Base(s.path))
}

// Identity returns the identity the store is bound to.
func (s *Store) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher.Identity()
}

// Path returns the vault file path.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// State reports how the vault was loaded and, for Unreadable, why.
func (s *Store) State() (LoadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.reason
}

// SaveEntry validates in and inserts it, or updates the entry with the same
// service in place keeping its creation time. The category is registered
// if new. Nothing changes unless the vault was persisted.
func (s *Store) SaveEntry(ctx context.Context, in EntryInput) error {
	e, err := in.normalize()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}

	now := s.opts.Clock().Unix()
	next := s.data.Clone()
	e.ModifiedAt = now
	if i := next.Index(e.Service); i >= 0 {
		e.CreatedAt = next.Passwords[i].CreatedAt
		next.Passwords[i] = e
	} else {
		e.CreatedAt = now
		next.Passwords = append(next.Passwords, e)
	}
	next.AddCategory(e.Category)

	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.log.Debug("entry saved", zap.Int("entries", len(next.Passwords)))
	return nil
}

// AddCategory registers a category. Adding an existing one is a no-op.
func (s *Store) AddCategory(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if err := ValidateCategory(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if s.data.HasCategory(name) {
		return nil
	}
	next := s.data.Clone()
	next.AddCategory(name)
	return s.commit(ctx, next)
}

// DeleteEntry removes the entry for service.
func (s *Store) DeleteEntry(ctx context.Context, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	i := s.data.Index(strings.TrimSpace(service))
	if i < 0 {
		return fmt.Errorf("entry %q: %w", service, errs.ErrNotFound)
	}
	next := s.data.Clone()
	next.Passwords = append(next.Passwords[:i], next.Passwords[i+1:]...)
	return s.commit(ctx, next)
}

// Entry returns a copy of the entry for service.
func (s *Store) Entry(service string) (model.PasswordEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return model.PasswordEntry{}, false
	}
	i := s.data.Index(service)
	if i < 0 {
		return model.PasswordEntry{}, false
	}
	return s.data.Passwords[i].Clone(), true
}

// Entries returns copies of all entries in storage order.
func (s *Store) Entries() []model.PasswordEntry {
	return s.Filter("", model.AllCategories)
}

// Categories returns the registered categories.
func (s *Store) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil
	}
	return append([]string(nil), s.data.Categories...)
}

// Filter returns copies of the entries in category (or in any category for
// "" and model.AllCategories) whose service, url, email or notes contain
// search, case-insensitively. Passwords are never searched.
func (s *Store) Filter(search, category string) []model.PasswordEntry {
	q := strings.ToLower(strings.TrimSpace(search))
	anyCategory := category == "" || category == model.AllCategories

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil
	}

	out := make([]model.PasswordEntry, 0, len(s.data.Passwords))
	for _, e := range s.data.Passwords {
		if !anyCategory && e.Category != category {
			continue
		}
		if q != "" && !matches(e, q) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

func matches(e model.PasswordEntry, q string) bool {
	for _, f := range []string{e.Service, model.Deref(e.URL), model.Deref(e.Email), model.Deref(e.Notes)} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// RotateSecret re-encrypts the vault under newSecret. The new ciphertext is
// decrypted and compared with the current vault before anything is
// written. Takes ownership of newSecret.
func (s *Store) RotateSecret(ctx context.Context, newSecret *secmem.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		newSecret.Release()
		return err
	}

	nc, err := s.cipher.WithSecret(newSecret)
	if err != nil {
		newSecret.Release()
		return err
	}
	data, err := sealVerified(ctx, nc, s.data)
	if err != nil {
		nc.Release()
		return err
	}
	if err := s.snapshot(ctx, nc); err != nil {
		nc.Release()
		return err
	}
	if err := s.opts.Writer.Write(s.path, data); err != nil {
		nc.Release()
		return fmt.Errorf("write vault: %w", err)
	}

	s.cipher.Release()
	s.cipher = nc
	s.persisted = s.data.Clone()
	s.log.Info("secret rotated")
	return nil
}

// RotateIdentity moves the vault to newIdentity under the current secret.
// The old file is removed only after the new one is read back and
// verified.
func (s *Store) RotateIdentity(ctx context.Context, newIdentity string) error {
	if err := ValidateIdentity(newIdentity); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	newPath := Path(s.opts.Dir, newIdentity)
	if newPath == s.path {
		return nil
	}
	if fsutil.Exists(newPath) {
		return fmt.Errorf("vault %q: %w", newIdentity, errs.ErrAlreadyExists)
	}

	nc, err := s.cipher.WithIdentity(newIdentity)
	if err != nil {
		return err
	}
	if err := s.snapshot(ctx, s.cipher); err != nil {
		nc.Release()
		return err
	}
	data, err := nc.Encrypt(ctx, s.data)
	if err != nil {
		nc.Release()
		return fmt.Errorf("encrypt vault: %w", err)
	}
	if err := s.opts.Writer.Write(newPath, data); err != nil {
		nc.Release()
		return fmt.Errorf("write vault: %w", err)
	}
	if err := s.confirm(ctx, nc, newPath); err != nil {
		_ = os.Remove(newPath)
		nc.Release()
		return err
	}

	oldPath := s.path
	s.cipher.Release()
	s.cipher = nc
	s.path = newPath
	s.persisted = s.data.Clone()
	s.log = s.opts.Logger.With(zap.String("identity", newIdentity))
	s.log.Info("identity changed")

	if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.IO("remove old vault", err)
	}
	return nil
}

// RestoreBackup replaces the vault with the snapshot taken at ts, or the
// newest snapshot when ts is 0. The state being replaced is itself
// snapshotted first. An Unreadable vault file is quarantined before the
// restored state is written.
func (s *Store) RestoreBackup(ctx context.Context, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return errs.ErrWiped
	}

	v, err := s.opts.Backups.Restore(ctx, s.path, ts, s.cipher)
	if err != nil {
		return err
	}
	if s.state == Unreadable {
		if _, err := s.quarantine(); err != nil {
			return err
		}
	}
	if err := s.commit(ctx, v); err != nil {
		return err
	}
	s.state = Loaded
	s.log.Info("vault restored from backup", zap.Int64("ts", ts))
	return nil
}

// Backups lists the snapshots of this vault, newest first.
func (s *Store) Backups() ([]backup.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.Backups.List(s.path)
}

// Quarantine moves an unreadable vault file aside so a fresh vault can be
// written, and returns the new location of the old file.
func (s *Store) Quarantine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return "", errs.ErrWiped
	}
	if s.state != Unreadable {
		return "", fmt.Errorf("vault is %s, not unreadable", s.state)
	}
	return s.quarantine()
}

func (s *Store) quarantine() (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, s.opts.Clock().Unix())
	if err := os.Rename(s.path, dst); err != nil {
		return "", errs.IO("quarantine", err)
	}
	s.log.Warn("unreadable vault moved aside", zap.String("to", filepath.Base(dst)))
	s.data, s.persisted, s.state, s.reason = model.NewVault(), model.NewVault(), Fresh, nil
	return dst, nil
}

// Wipe zeroizes the secret held in guarded memory and clears every entry
// slot of the working and persisted copies. The store is unusable
// afterwards. Go strings are immutable, so entry strings (passwords
// included) are unreferenced and left to the collector, not overwritten;
// the decrypted JSON they were parsed from is wiped in Decrypt.
func (s *Store) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}
	s.cipher.Release()
	for _, v := range []model.Vault{s.data, s.persisted} {
		clear(v.Passwords)
		clear(v.Categories)
	}
	s.data, s.persisted = model.Vault{}, model.Vault{}
	s.wiped = true
	s.log.Info("vault wiped")
}

// Wiped reports whether Wipe was called.
func (s *Store) Wiped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wiped
}

func (s *Store) writable() error {
	if s.wiped {
		return errs.ErrWiped
	}
	if s.state == Unreadable {
		return fmt.Errorf("%w: %v", errs.ErrUnreadable, s.reason)
	}
	return nil
}

// commit persists next and adopts it as the in-memory vault. On error the
// in-memory vault is unchanged.
func (s *Store) commit(ctx context.Context, next model.Vault) error {
	if err := s.snapshot(ctx, s.cipher); err != nil {
		return err
	}
	data, err := s.cipher.Encrypt(ctx, next)
	if err != nil {
		return fmt.Errorf("encrypt vault: %w", err)
	}
	if err := s.opts.Writer.Write(s.path, data); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	s.data = next
	s.persisted = next.Clone()
	if s.state == Fresh {
		s.state = Loaded
	}
	return nil
}

// snapshot backs up the last persisted state before it is overwritten.
// Nothing is snapshotted while no vault file exists.
func (s *Store) snapshot(ctx context.Context, sealer backup.Sealer) error {
	if !fsutil.Exists(s.path) {
		return nil
	}
	if _, err := s.opts.Backups.Snapshot(ctx, s.path, s.persisted, sealer); err != nil {
		return fmt.Errorf("snapshot before write: %w", err)
	}
	return nil
}

// confirm reads path back and checks it decrypts to the current vault.
func (s *Store) confirm(ctx context.Context, c *envelope.Cipher, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.IO("read back vault", err)
	}
	var check model.Vault
	if err := c.Decrypt(ctx, raw, &check); err != nil {
		return fmt.Errorf("verify written vault: %w", err)
	}
	if !check.Equal(s.data) {
		return fmt.Errorf("%w: written vault differs from memory", errs.ErrIntegrity)
	}
	return nil
}

// sealVerified encrypts v under c and proves the result decrypts back to v.
func sealVerified(ctx context.Context, c *envelope.Cipher, v model.Vault) ([]byte, error) {
	data, err := c.Encrypt(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("encrypt vault: %w", err)
	}
	var check model.Vault
	if err := c.Decrypt(ctx, data, &check); err != nil {
		return nil, fmt.Errorf("verify re-encrypted vault: %w", err)
	}
	if !check.Equal(v) {
		return nil, fmt.Errorf("%w: re-encrypted vault differs", errs.ErrIntegrity)
	}
	return data, nil
}
