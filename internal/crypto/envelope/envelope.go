// Package envelope implements the self-describing authenticated-encryption
// container used for vault files, backups and any other encrypted record.
//
// Layout: AES-256-GCM ciphertext with the associated data "v{version}:{unix}",
// wrapped in a JSON envelope carrying the KDF config, salt, nonce and tag,
// and sealed by an outer HMAC-SHA3-256 over every other field. The HMAC is
// always verified before the AEAD is attempted.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	pkgcrypto "github.com/and161185/vaultkeeper/internal/crypto"
	"github.com/and161185/vaultkeeper/internal/crypto/kdf"
	"github.com/and161185/vaultkeeper/internal/errs"
)

// Field sizes.
const (
	NonceSize = pkgcrypto.NonceSize
	TagSize   = 16
	MACSize   = 32
)

// Envelope is the on-disk form of an encrypted record. Byte fields are
// base64 in JSON.
type Envelope struct {
	Config         kdf.Config `json:"config"`
	Salt           []byte     `json:"salt"`
	Nonce          []byte     `json:"nonce"`
	Tag            []byte     `json:"tag"`
	AssociatedData []byte     `json:"associated_data"`
	Ciphertext     []byte     `json:"ciphertext"`
	HMAC           []byte     `json:"hmac"`
}

// macInput fixes the canonical serialization covered by the HMAC: every
// envelope field except hmac, keys in sorted order.
type macInput struct {
	AssociatedData []byte     `json:"associated_data"`
	Ciphertext     []byte     `json:"ciphertext"`
	Config         kdf.Config `json:"config"`
	Nonce          []byte     `json:"nonce"`
	Salt           []byte     `json:"salt"`
	Tag            []byte     `json:"tag"`
}

func (e *Envelope) canonical() ([]byte, error) {
	return json.Marshal(macInput{
		AssociatedData: e.AssociatedData,
		Ciphertext:     e.Ciphertext,
		Config:         e.Config,
		Nonce:          e.Nonce,
		Salt:           e.Salt,
		Tag:            e.Tag,
	})
}

func (e *Envelope) mac(authKey []byte) ([]byte, error) {
	msg, err := e.canonical()
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha3.New256, authKey)
	h.Write(msg)
	return h.Sum(nil), nil
}

// AssociatedData returns the AAD bound into every encryption.
func AssociatedData(version int, now time.Time) []byte {
	return []byte(fmt.Sprintf("v%d:%d", version, now.Unix()))
}

// Seal encrypts plaintext under keys with a fresh nonce. salt is the salt
// keys were derived from and is recorded so Open's caller can re-derive.
func Seal(keys *kdf.Keys, cfg kdf.Config, salt, plaintext []byte, now time.Time) (*Envelope, error) {
	gcm, err := newGCM(keys.Enc.Bytes())
	if err != nil {
		return nil, err
	}
	nonce, err := pkgcrypto.RandBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	aad := AssociatedData(cfg.Version, now)

	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - TagSize

	env := &Envelope{
		Config:         cfg,
		Salt:           append([]byte(nil), salt...),
		Nonce:          nonce,
		Tag:            sealed[split:],
		AssociatedData: aad,
		Ciphertext:     sealed[:split],
	}
	env.HMAC, err = env.mac(keys.Auth.Bytes())
	if err != nil {
		return nil, err
	}
	return env, nil
}

// CheckShape validates field sizes and the version floor without any key.
func (e *Envelope) CheckShape() error {
	if e.Config.Version < kdf.MinVersion {
		return fmt.Errorf("%w: envelope version %d below minimum %d", errs.ErrIntegrity, e.Config.Version, kdf.MinVersion)
	}
	switch {
	case len(e.Salt) != e.Config.SaltSize:
		return fmt.Errorf("%w: salt is %d bytes", errs.ErrFormat, len(e.Salt))
	case len(e.Nonce) != NonceSize:
		return fmt.Errorf("%w: nonce is %d bytes", errs.ErrFormat, len(e.Nonce))
	case len(e.Tag) != TagSize:
		return fmt.Errorf("%w: tag is %d bytes", errs.ErrFormat, len(e.Tag))
	case len(e.HMAC) != MACSize:
		return fmt.Errorf("%w: hmac is %d bytes", errs.ErrFormat, len(e.HMAC))
	}
	return nil
}

// Open verifies and decrypts the envelope. Integrity is checked first; the
// AEAD never sees a ciphertext whose envelope failed the HMAC.
func Open(keys *kdf.Keys, e *Envelope) ([]byte, error) {
	if err := e.CheckShape(); err != nil {
		return nil, err
	}

	want, err := e.mac(keys.Auth.Bytes())
	if err != nil {
		return nil, err
	}
	if !pkgcrypto.Equal(want, e.HMAC) {
		return nil, fmt.Errorf("%w: hmac mismatch", errs.ErrIntegrity)
	}

	gcm, err := newGCM(keys.Enc.Bytes())
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(e.Ciphertext)+TagSize)
	sealed = append(sealed, e.Ciphertext...)
	sealed = append(sealed, e.Tag...)
	pt, err := gcm.Open(nil, e.Nonce, sealed, e.AssociatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: aead: %v", errs.ErrIntegrity, err)
	}
	return pt, nil
}

// Parse decodes an envelope from its JSON form.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", errs.ErrFormat, err)
	}
	return &e, nil
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != kdf.KeySize {
		return nil, fmt.Errorf("%w: encryption key is %d bytes", errs.ErrKdf, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
