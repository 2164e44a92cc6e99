// Package secmem holds sensitive byte buffers (master secrets, derived keys)
// in guarded, mlocked memory with an explicit release contract.
package secmem

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Secret is a scoped holder for a sensitive byte buffer.
// The zero value and nil are valid empty secrets.
type Secret struct {
	mu  sync.Mutex
	buf *memguard.LockedBuffer
}

// Hold moves b into guarded memory. The source slice is wiped.
func Hold(b []byte) *Secret {
	if len(b) == 0 {
		return &Secret{}
	}
	return &Secret{buf: memguard.NewBufferFromBytes(b)}
}

// HoldString copies s into guarded memory. The string itself cannot be
// wiped, callers should drop it as soon as possible.
func HoldString(s string) *Secret {
	return Hold([]byte(s))
}

// Random allocates a secret of n cryptographically random bytes.
func Random(n int) *Secret {
	if n <= 0 {
		return &Secret{}
	}
	return &Secret{buf: memguard.NewBufferRandom(n)}
}

// Bytes returns the protected bytes. The slice is only valid until Release
// and must not be retained or appended to.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return nil
	}
	return s.buf.Bytes()
}

// Len reports the size of the held buffer, 0 after Release.
func (s *Secret) Len() int {
	return len(s.Bytes())
}

// Clone copies the secret into a new independent guarded buffer.
func (s *Secret) Clone() *Secret {
	b := s.Bytes()
	if len(b) == 0 {
		return &Secret{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Hold(cp)
}

// Release overwrites the buffer with fresh random bytes, then zeroes and
// frees it. Safe to call more than once.
func (s *Secret) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return
	}
	if s.buf.IsAlive() {
		// buffers are frozen read-only on creation
		s.buf.Melt()
		s.buf.Scramble()
		s.buf.Wipe()
		s.buf.Destroy()
	}
	s.buf = nil
}

// Released reports whether the secret no longer holds data.
func (s *Secret) Released() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf == nil || !s.buf.IsAlive()
}

// Wipe scrambles and zeroes an ordinary slice, for transient copies that
// never made it into a Secret.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	memguard.ScrambleBytes(b)
	memguard.WipeBytes(b)
}

// CatchInterrupt destroys all guarded buffers when the process receives an
// interrupt signal.
func CatchInterrupt() { memguard.CatchInterrupt() }

// Purge destroys every live guarded buffer. Call on abnormal exit paths.
func Purge() { memguard.Purge() }
