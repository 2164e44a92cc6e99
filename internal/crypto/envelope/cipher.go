package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgcrypto "github.com/and161185/vaultkeeper/internal/crypto"
	"github.com/and161185/vaultkeeper/internal/crypto/kdf"
	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/secmem"
)

// Cipher encrypts and decrypts JSON values for one (identity, secret) pair.
// Every Encrypt draws a fresh salt and nonce, so two encryptions of the same
// value never share ciphertext bytes.
type Cipher struct {
	identity string
	secret   *secmem.Secret
	cfg      kdf.Config
	now      func() time.Time
}

// NewCipher takes ownership of secret; Release wipes it.
func NewCipher(identity string, secret *secmem.Secret, cfg kdf.Config) (*Cipher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if identity == "" || secret.Len() == 0 {
		return nil, fmt.Errorf("%w: empty identity or secret", errs.ErrKdf)
	}
	return &Cipher{identity: identity, secret: secret, cfg: cfg, now: time.Now}, nil
}

// Identity returns the identity keys are bound to.
func (c *Cipher) Identity() string { return c.identity }

// Config returns the KDF config used for new envelopes.
func (c *Cipher) Config() kdf.Config { return c.cfg }

// WithIdentity returns a cipher for a different identity with a copy of the
// same secret. The receiver is unchanged.
func (c *Cipher) WithIdentity(identity string) (*Cipher, error) {
	return NewCipher(identity, c.secret.Clone(), c.cfg)
}

// WithSecret returns a cipher for the same identity with a new secret,
// taking ownership of it.
func (c *Cipher) WithSecret(secret *secmem.Secret) (*Cipher, error) {
	return NewCipher(c.identity, secret, c.cfg)
}

// SetClock overrides the time source used for associated data.
func (c *Cipher) SetClock(now func() time.Time) { c.now = now }

// Encrypt marshals v to JSON and seals it into an envelope.
func (c *Cipher) Encrypt(ctx context.Context, v any) ([]byte, error) {
	pt, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	defer secmem.Wipe(pt)

	salt, err := pkgcrypto.RandBytes(c.cfg.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	keys, err := kdf.DeriveContext(ctx, c.identity, c.secret, salt, c.cfg)
	if err != nil {
		return nil, err
	}
	defer keys.Release()

	env, err := Seal(keys, c.cfg, salt, pt, c.now())
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// Decrypt verifies data and unmarshals its payload into out. Keys are
// re-derived from the config carried in the envelope, not the cipher's own.
//
// Errors: errs.ErrIntegrity for a wrong secret, tampering or a version
// below the floor; errs.ErrFormat for anything that is not a well-formed
// envelope or payload. Only a payload failure, found after the envelope
// authenticated, also matches errs.ErrPayload.
func (c *Cipher) Decrypt(ctx context.Context, data []byte, out any) error {
	env, err := Parse(data)
	if err != nil {
		return err
	}
	if err := env.CheckShape(); err != nil {
		return err
	}
	if err := env.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrFormat, err)
	}

	keys, err := kdf.DeriveContext(ctx, c.identity, c.secret, env.Salt, env.Config)
	if err != nil {
		if errors.Is(err, errs.ErrKdf) {
			return fmt.Errorf("%w: %v", errs.ErrFormat, err)
		}
		return err
	}
	defer keys.Release()

	pt, err := Open(keys, env)
	if err != nil {
		return err
	}
	defer secmem.Wipe(pt)

	if err := json.Unmarshal(pt, out); err != nil {
		return fmt.Errorf("%w: %w: %v", errs.ErrFormat, errs.ErrPayload, err)
	}
	return nil
}

// Release wipes the held secret. The cipher is unusable afterwards.
func (c *Cipher) Release() {
	if c == nil {
		return
	}
	c.secret.Release()
}
