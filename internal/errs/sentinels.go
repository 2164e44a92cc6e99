// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinels across crypto/storage/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the target already exists (e.g., identity taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates temporary login lock due to too many failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrKdf indicates key derivation could not run with the given inputs.
	ErrKdf = errors.New("key derivation failed")

	// ErrIntegrity indicates an HMAC or AEAD tag mismatch (wrong key or tampering).
	ErrIntegrity = errors.New("integrity check failed")

	// ErrFormat indicates a payload that parses but violates the expected schema.
	ErrFormat = errors.New("invalid format")

	// ErrIO indicates a disk read/write/rename failure.
	ErrIO = errors.New("io failure")

	// ErrValidation indicates a field constraint violation.
	ErrValidation = errors.New("validation failed")

	// ErrBackupMismatch indicates a backup bound to a different vault path.
	ErrBackupMismatch = errors.New("backup belongs to another vault")

	// ErrUnreadable indicates the vault file exists but could not be decoded,
	// so writes are refused until the file is quarantined.
	ErrUnreadable = errors.New("vault file unreadable")

	// ErrWiped indicates use of a vault handle after Wipe.
	ErrWiped = errors.New("vault wiped")

	// ErrPayload marks an ErrFormat raised after the envelope authenticated,
	// which proves the secret even though the content is unusable.
	ErrPayload = errors.New("authenticated payload malformed")

	// ErrBackupKey indicates a backup that does not authenticate under the
	// current secret, typically one sealed under a PIN used before the last
	// rotation.
	ErrBackupKey = errors.New("backup sealed under a different secret")
)

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// LockoutError is returned while an identity is locked out.
type LockoutError struct {
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("rate limited: retry in %s", e.Remaining.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *LockoutError) Is(target error) bool { return target == ErrRateLimited }

// IO wraps a filesystem error with ErrIO and an operation label.
func IO(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
