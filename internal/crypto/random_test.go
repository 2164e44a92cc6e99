package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal, looks non-random", n)
	}

	zero := make([]byte, n)
	if bytes.Equal(a, zero) {
		t.Fatalf("RandBytes returned all zeros")
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	if !Equal([]byte("mac"), []byte("mac")) {
		t.Fatalf("Equal: expected true for identical input")
	}
	if Equal([]byte("mac"), []byte("mad")) {
		t.Fatalf("Equal: expected false for different input")
	}
	if Equal([]byte("mac"), []byte("ma")) {
		t.Fatalf("Equal: expected false for different length")
	}
}
