// Package autolock fires a callback after a period of inactivity.
package autolock

import (
	"sync"
	"time"
)

// DefaultTimeout is the idle period used when none is configured.
const DefaultTimeout = 300 * time.Second

// Locker calls onLock once the timeout elapses without a Touch. It fires at
// most once; a fired or stopped Locker ignores further Touch calls.
type Locker struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	onLock  func()
	done    bool
}

// New starts a Locker. A non-positive timeout disables locking.
func New(timeout time.Duration, onLock func()) *Locker {
	l := &Locker{timeout: timeout, onLock: onLock}
	if timeout > 0 {
		l.timer = time.AfterFunc(timeout, l.fire)
	}
	return l
}

// Touch records activity and restarts the idle timer.
func (l *Locker) Touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done || l.timer == nil {
		return
	}
	l.timer.Reset(l.timeout)
}

// Stop cancels the timer without locking.
func (l *Locker) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	if l.timer != nil {
		l.timer.Stop()
	}
}

// Locked reports whether the callback has fired.
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done && l.onLock == nil
}

func (l *Locker) fire() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	cb := l.onLock
	l.onLock = nil
	l.mu.Unlock()

	if cb != nil {
		cb()
	}
}
