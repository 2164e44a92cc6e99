// Package kdf derives the vault encryption and authentication keys from an
// (identity, secret, salt) triple using Argon2id.
package kdf

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/secmem"
)

// Format versions. Envelopes below MinVersion are refused.
const (
	CurrentVersion = 2
	MinVersion     = 2

	AlgorithmArgon2id = "Argon2id"

	// KeySize is the length of each derived half (AES-256 key, HMAC key).
	KeySize = 32
)

// Argon2id defaults (100 MB, 3 passes, 4 lanes, 64-byte output).
const (
	defaultMemoryKiB   uint32 = 102400
	defaultTime        uint32 = 3
	defaultParallelism uint8  = 4
	defaultSaltSize           = 32
	defaultKeyLength   uint32 = 2 * KeySize
)

// Ceilings applied to configs read back from disk, where a tampered header
// could otherwise ask for an unbounded derivation before the HMAC is checked.
const (
	maxMemoryKiB uint32 = 1024 * 1024
	maxTime      uint32 = 64
	maxSaltSize         = 1024
	maxKeyLength uint32 = 1024
)

// Config is the KDF configuration stored alongside every ciphertext so old
// blobs stay decryptable when defaults change.
type Config struct {
	Version     int    `json:"version" yaml:"version"`
	Algorithm   string `json:"algorithm" yaml:"algorithm"`
	MemoryCost  uint32 `json:"memory_cost" yaml:"memory_cost"` // KiB
	TimeCost    uint32 `json:"time_cost" yaml:"time_cost"`
	Parallelism uint8  `json:"parallelism" yaml:"parallelism"`
	SaltSize    int    `json:"salt_size" yaml:"salt_size"`
	KeyLength   uint32 `json:"key_length" yaml:"key_length"`
}

// DefaultConfig returns the configuration used for new envelopes.
func DefaultConfig() Config {
	return Config{
		Version:     CurrentVersion,
		Algorithm:   AlgorithmArgon2id,
		MemoryCost:  defaultMemoryKiB,
		TimeCost:    defaultTime,
		Parallelism: defaultParallelism,
		SaltSize:    defaultSaltSize,
		KeyLength:   defaultKeyLength,
	}
}

// Validate checks that the config is structurally usable.
func (c Config) Validate() error {
	switch {
	case c.Version < MinVersion:
		return fmt.Errorf("%w: unsupported version %d", errs.ErrKdf, c.Version)
	case derivations[c.Version] == nil:
		return fmt.Errorf("%w: unknown version %d", errs.ErrKdf, c.Version)
	case c.Algorithm != AlgorithmArgon2id:
		return fmt.Errorf("%w: unsupported algorithm %q", errs.ErrKdf, c.Algorithm)
	case c.MemoryCost == 0 || c.TimeCost == 0 || c.Parallelism == 0:
		return fmt.Errorf("%w: zero cost parameter", errs.ErrKdf)
	case c.MemoryCost < 8*uint32(c.Parallelism):
		return fmt.Errorf("%w: memory_cost below 8*parallelism", errs.ErrKdf)
	case c.MemoryCost > maxMemoryKiB || c.TimeCost > maxTime:
		return fmt.Errorf("%w: cost parameters above ceiling", errs.ErrKdf)
	case c.SaltSize < 16 || c.SaltSize > maxSaltSize:
		return fmt.Errorf("%w: salt_size %d out of range", errs.ErrKdf, c.SaltSize)
	case c.KeyLength < 2*KeySize || c.KeyLength > maxKeyLength:
		return fmt.Errorf("%w: key_length %d out of range", errs.ErrKdf, c.KeyLength)
	}
	return nil
}

// Keys is the split derivation output.
type Keys struct {
	Enc  *secmem.Secret
	Auth *secmem.Secret
}

// Release wipes both keys.
func (k *Keys) Release() {
	if k == nil {
		return
	}
	k.Enc.Release()
	k.Auth.Release()
}

// derivation turns the encoded identity/secret input into raw key material.
type derivation func(input, salt []byte, c Config) []byte

// derivations maps a config version to its derivation. A parameter or input
// encoding change gets a new version here, old versions stay registered.
var derivations = map[int]derivation{
	2: argon2idV2,
}

func argon2idV2(input, salt []byte, c Config) []byte {
	return argon2.IDKey(input, salt, c.TimeCost, c.MemoryCost, c.Parallelism, c.KeyLength)
}

// Derive produces the encryption and authentication keys. It is deterministic
// for fixed inputs and deliberately expensive.
func Derive(identity string, secret *secmem.Secret, salt []byte, c Config) (*Keys, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(salt) != c.SaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes, config says %d", errs.ErrKdf, len(salt), c.SaltSize)
	}
	if identity == "" || secret.Len() == 0 {
		return nil, fmt.Errorf("%w: empty identity or secret", errs.ErrKdf)
	}

	input := encodeInput(identity, secret.Bytes())
	defer secmem.Wipe(input)

	out := derivations[c.Version](input, salt, c)
	defer secmem.Wipe(out)

	enc := make([]byte, KeySize)
	auth := make([]byte, KeySize)
	copy(enc, out[:KeySize])
	copy(auth, out[KeySize:2*KeySize])
	return &Keys{Enc: secmem.Hold(enc), Auth: secmem.Hold(auth)}, nil
}

// DeriveContext runs Derive off the caller's goroutine. Argon2 cannot be
// interrupted, so on ctx expiry the late result is released when it lands.
func DeriveContext(ctx context.Context, identity string, secret *secmem.Secret, salt []byte, c Config) (*Keys, error) {
	type result struct {
		keys *Keys
		err  error
	}
	// the caller may release its secret once we return
	own := secret.Clone()
	ch := make(chan result, 1)
	go func() {
		defer own.Release()
		k, err := Derive(identity, own, salt, c)
		ch <- result{k, err}
	}()

	select {
	case r := <-ch:
		return r.keys, r.err
	case <-ctx.Done():
		go func() {
			r := <-ch
			r.keys.Release()
		}()
		return nil, ctx.Err()
	}
}

// encodeInput length-prefixes both fields so no (identity, secret) pair can
// collide with another split of the same bytes.
func encodeInput(identity string, secret []byte) []byte {
	buf := make([]byte, 0, 8+len(identity)+len(secret))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(identity)))
	buf = append(buf, identity...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(secret)))
	buf = append(buf, secret...)
	return buf
}
