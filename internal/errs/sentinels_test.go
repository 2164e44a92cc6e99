package errs

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestValidationError_Is(t *testing.T) {
	t.Parallel()
	var err error = &ValidationError{Field: "service", Reason: "required"}
	wrapped := fmt.Errorf("save entry: %w", err)
	if !errors.Is(wrapped, ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", wrapped)
	}
	var ve *ValidationError
	if !errors.As(wrapped, &ve) || ve.Field != "service" {
		t.Fatalf("errors.As: %v", ve)
	}
}

func TestLockoutError_Is(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("open: %w", &LockoutError{Remaining: 90 * time.Second})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited")
	}
	if got := err.Error(); got != "open: rate limited: retry in 1m30s" {
		t.Fatalf("message=%q", got)
	}
}

func TestIO_WrapsBoth(t *testing.T) {
	t.Parallel()
	err := IO("rename", os.ErrPermission)
	if !errors.Is(err, ErrIO) || !errors.Is(err, os.ErrPermission) {
		t.Fatalf("IO must wrap both sentinels: %v", err)
	}
}
