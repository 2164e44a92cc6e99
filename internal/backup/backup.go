// Package backup rotates encrypted snapshots of vault files.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/fsutil"
	"github.com/and161185/vaultkeeper/internal/model"
)

// DefaultMax is the number of snapshots kept per vault.
const DefaultMax = 5

const marker = "_backup_"

// Sealer encrypts and decrypts backup records. *envelope.Cipher implements it.
type Sealer interface {
	Encrypt(ctx context.Context, v any) ([]byte, error)
	Decrypt(ctx context.Context, data []byte, out any) error
}

// Info describes one backup file on disk.
type Info struct {
	Path      string
	Timestamp int64
	ModTime   time.Time
}

// Manager writes, lists, prunes and restores snapshots in a single directory.
type Manager struct {
	dir    string
	max    int
	now    func() time.Time
	log    *zap.Logger
	writer fsutil.Writer
}

// Option configures a Manager.
type Option func(*Manager)

// WithMax sets how many snapshots are retained per vault.
func WithMax(n int) Option { return func(m *Manager) { m.max = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithWriter sets the file writer used for snapshots.
func WithWriter(w fsutil.Writer) Option { return func(m *Manager) { m.writer = w } }

// New returns a Manager storing snapshots in dir.
func New(dir string, opts ...Option) *Manager {
	m := &Manager{dir: dir, max: DefaultMax, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	if m.max < 1 {
		m.max = 1
	}
	return m
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// Snapshot encrypts v as a backup of path and prunes old snapshots. Any
// error means no new snapshot was recorded.
func (m *Manager) Snapshot(ctx context.Context, path string, v model.Vault, s Sealer) (Info, error) {
	path = filepath.Clean(path)
	ts := m.now().Unix()
	target := m.name(path, ts)
	for fsutil.Exists(target) {
		ts++
		target = m.name(path, ts)
	}

	rec := model.BackupRecord{Data: v, OriginalPath: path, Timestamp: ts}
	data, err := s.Encrypt(ctx, rec)
	if err != nil {
		return Info{}, fmt.Errorf("encrypt backup: %w", err)
	}
	if err := m.writer.Write(target, data); err != nil {
		return Info{}, fmt.Errorf("write backup: %w", err)
	}
	m.log.Info("backup created", zap.String("file", filepath.Base(target)), zap.Int64("ts", ts))

	if err := m.prune(path); err != nil {
		// the snapshot itself is safely on disk
		m.log.Warn("backup prune failed", zap.Error(err))
	}

	info := Info{Path: target, Timestamp: ts}
	if fi, err := os.Stat(target); err == nil {
		info.ModTime = fi.ModTime()
	}
	return info, nil
}

// List returns the snapshots of path, newest first.
func (m *Manager) List(path string) ([]Info, error) {
	path = filepath.Clean(path)
	prefix, ext := m.parts(path)

	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.IO("list backups", err)
	}

	var out []Info
	for _, de := range entries {
		name := de.Name()
		if !de.Type().IsRegular() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		ts, ok := parseTS(name[len(prefix) : len(name)-len(ext)])
		if !ok {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Path: filepath.Join(m.dir, name), Timestamp: ts, ModTime: fi.ModTime()})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out, nil
}

// Restore decrypts the snapshot of path taken at ts, or the newest one when
// ts is 0. A snapshot recorded for a different path is refused. A snapshot
// that does not authenticate under s yields errs.ErrBackupKey.
func (m *Manager) Restore(ctx context.Context, path string, ts int64, s Sealer) (model.Vault, error) {
	path = filepath.Clean(path)
	list, err := m.List(path)
	if err != nil {
		return model.Vault{}, err
	}

	var pick *Info
	for i := range list {
		if ts == 0 || list[i].Timestamp == ts {
			pick = &list[i]
			break
		}
	}
	if pick == nil {
		return model.Vault{}, fmt.Errorf("backup of %s at %d: %w", filepath.Base(path), ts, errs.ErrNotFound)
	}

	data, err := os.ReadFile(pick.Path)
	if err != nil {
		return model.Vault{}, errs.IO("read backup", err)
	}
	var rec model.BackupRecord
	if err := s.Decrypt(ctx, data, &rec); err != nil {
		if errors.Is(err, errs.ErrIntegrity) {
			return model.Vault{}, fmt.Errorf("%w: %s", errs.ErrBackupKey, filepath.Base(pick.Path))
		}
		return model.Vault{}, fmt.Errorf("decrypt backup: %w", err)
	}
	if filepath.Clean(rec.OriginalPath) != path {
		m.log.Warn("backup path mismatch",
			zap.String("file", filepath.Base(pick.Path)),
			zap.String("recorded", rec.OriginalPath))
		return model.Vault{}, fmt.Errorf("%w: backup belongs to %s", errs.ErrBackupMismatch, rec.OriginalPath)
	}
	return rec.Data, nil
}

func (m *Manager) prune(path string) error {
	list, err := m.List(path)
	if err != nil {
		return err
	}
	if len(list) <= m.max {
		return nil
	}
	var firstErr error
	for _, old := range list[m.max:] {
		if err := os.Remove(old.Path); err != nil && firstErr == nil {
			firstErr = errs.IO("remove backup", err)
			continue
		}
		m.log.Debug("backup pruned", zap.String("file", filepath.Base(old.Path)))
	}
	return firstErr
}

func (m *Manager) parts(path string) (prefix, ext string) {
	base := filepath.Base(path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + marker, ext
}

func (m *Manager) name(path string, ts int64) string {
	prefix, ext := m.parts(path)
	return filepath.Join(m.dir, prefix+strconv.FormatInt(ts, 10)+ext)
}

func parseTS(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	return ts, err == nil
}
