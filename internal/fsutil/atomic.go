// Package fsutil provides the crash-safe file replacement used for vault,
// backup and throttle files.
package fsutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/vaultkeeper/internal/errs"
)

// FileMode is the permission of every file the vault writes.
const FileMode os.FileMode = 0o600

// DirMode is the permission of directories created for vault files.
const DirMode os.FileMode = 0o700

// Writer replaces files by writing a temp file in the same directory,
// reading it back, and renaming it over the target. A failure at any step
// removes the temp file and leaves the target untouched.
type Writer struct {
	// BeforeRename runs once the temp file is written and verified. A
	// non-nil error aborts the replacement.
	BeforeRename func(tmp string) error
}

// WriteAtomic replaces path with data using a zero Writer.
func WriteAtomic(path string, data []byte) error {
	return Writer{}.Write(path, data)
}

// Write replaces path with data.
func (w Writer) Write(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return errs.IO("mkdir", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("temp name: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+id.String())

	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err := writeSync(tmp, data); err != nil {
		return errs.IO("write temp", err)
	}

	got, err := os.ReadFile(tmp)
	if err != nil {
		return errs.IO("verify temp", err)
	}
	if !bytes.Equal(got, data) {
		return errs.IO("verify temp", fmt.Errorf("read back %d bytes, wrote %d", len(got), len(data)))
	}

	if w.BeforeRename != nil {
		if err := w.BeforeRename(tmp); err != nil {
			return err
		}
	}

	// rename does not replace an existing file there
	if runtime.GOOS == "windows" {
		_ = os.Remove(path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.IO("rename", err)
	}
	return nil
}

func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
