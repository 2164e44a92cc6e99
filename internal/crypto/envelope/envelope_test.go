package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/vaultkeeper/internal/crypto/kdf"
	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/secmem"
)

type payload struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func fastConfig() kdf.Config {
	c := kdf.DefaultConfig()
	c.MemoryCost = 64
	c.TimeCost = 1
	c.Parallelism = 1
	return c
}

func newCipher(t *testing.T, identity, secret string) *Cipher {
	t.Helper()
	c, err := NewCipher(identity, secmem.HoldString(secret), fastConfig())
	require.NoError(t, err)
	t.Cleanup(c.Release)
	return c
}

func seal(t *testing.T, c *Cipher, v any) []byte {
	t.Helper()
	data, err := c.Encrypt(context.Background(), v)
	require.NoError(t, err)
	return data
}

// mutate decodes an envelope, applies f and re-encodes it.
func mutate(t *testing.T, data []byte, f func(e *Envelope)) []byte {
	t.Helper()
	env, err := Parse(data)
	require.NoError(t, err)
	f(env)
	out, err := env.Marshal()
	require.NoError(t, err)
	return out
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")
	in := payload{Name: "vault", Items: []string{"a", "b"}}

	data := seal(t, c, in)

	var out payload
	require.NoError(t, c.Decrypt(context.Background(), data, &out))
	require.Equal(t, in, out)
}

func TestEncrypt_FreshSaltAndNonce(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")

	a, err := Parse(seal(t, c, payload{Name: "x"}))
	require.NoError(t, err)
	b, err := Parse(seal(t, c, payload{Name: "x"}))
	require.NoError(t, err)

	require.NotEqual(t, a.Salt, b.Salt)
	require.NotEqual(t, a.Nonce, b.Nonce)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestEnvelope_Fields(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")
	c.SetClock(func() time.Time { return time.Unix(1700000000, 0) })

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(seal(t, c, payload{}), &raw))
	for _, k := range []string{"config", "salt", "nonce", "tag", "associated_data", "ciphertext", "hmac"} {
		require.Contains(t, raw, k)
	}

	env, err := Parse(seal(t, c, payload{}))
	require.NoError(t, err)
	require.Equal(t, []byte("v2:1700000000"), env.AssociatedData)
	require.Len(t, env.Salt, 32)
	require.Len(t, env.Nonce, NonceSize)
	require.Len(t, env.Tag, TagSize)
	require.Len(t, env.HMAC, MACSize)
	require.Equal(t, fastConfig(), env.Config)
}

func TestDecrypt_WrongSecretOrIdentity(t *testing.T) {
	t.Parallel()
	data := seal(t, newCipher(t, "alice", "1234"), payload{Name: "x"})

	var out payload
	err := newCipher(t, "alice", "1235").Decrypt(context.Background(), data, &out)
	require.ErrorIs(t, err, errs.ErrIntegrity)

	err = newCipher(t, "bob", "1234").Decrypt(context.Background(), data, &out)
	require.ErrorIs(t, err, errs.ErrIntegrity)
}

func TestDecrypt_Tampering(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")
	data := seal(t, c, payload{Name: "secret stuff"})

	flip := func(b []byte) { b[0] ^= 0x01 }
	cases := map[string]func(e *Envelope){
		"ciphertext": func(e *Envelope) { flip(e.Ciphertext) },
		"tag":        func(e *Envelope) { flip(e.Tag) },
		"nonce":      func(e *Envelope) { flip(e.Nonce) },
		"aad":        func(e *Envelope) { e.AssociatedData = []byte("v2:0") },
		"hmac":       func(e *Envelope) { flip(e.HMAC) },
		"salt":       func(e *Envelope) { flip(e.Salt) },
		"timecost":   func(e *Envelope) { e.Config.TimeCost++ },
	}
	for name, f := range cases {
		var out payload
		err := c.Decrypt(context.Background(), mutate(t, data, f), &out)
		if !errors.Is(err, errs.ErrIntegrity) {
			t.Fatalf("%s: want ErrIntegrity, got %v", name, err)
		}
	}
}

func TestDecrypt_VersionFloor(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")
	data := mutate(t, seal(t, c, payload{}), func(e *Envelope) { e.Config.Version = 1 })

	var out payload
	require.ErrorIs(t, c.Decrypt(context.Background(), data, &out), errs.ErrIntegrity)
}

func TestDecrypt_Malformed(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")
	good := seal(t, c, payload{})

	cases := map[string][]byte{
		"not json":    []byte("definitely not json"),
		"short nonce": mutate(t, good, func(e *Envelope) { e.Nonce = e.Nonce[:4] }),
		"short tag":   mutate(t, good, func(e *Envelope) { e.Tag = nil }),
		"short hmac":  mutate(t, good, func(e *Envelope) { e.HMAC = e.HMAC[:8] }),
		"bad algo":    mutate(t, good, func(e *Envelope) { e.Config.Algorithm = "pbkdf2" }),
		"huge memory": mutate(t, good, func(e *Envelope) { e.Config.MemoryCost = 1 << 31 }),
	}
	for name, data := range cases {
		var out payload
		err := c.Decrypt(context.Background(), data, &out)
		if !errors.Is(err, errs.ErrFormat) {
			t.Fatalf("%s: want ErrFormat, got %v", name, err)
		}
		if errors.Is(err, errs.ErrPayload) {
			t.Fatalf("%s: unauthenticated damage reported as payload error: %v", name, err)
		}
	}
}

func TestDecrypt_PayloadTypeMismatch(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")
	data := seal(t, c, []int{1, 2, 3})

	var out payload
	err := c.Decrypt(context.Background(), data, &out)
	require.ErrorIs(t, err, errs.ErrFormat)
	require.ErrorIs(t, err, errs.ErrPayload)
}

func TestOpen_HMACCheckedBeforeAEAD(t *testing.T) {
	t.Parallel()
	sec := secmem.HoldString("1234")
	defer sec.Release()
	salt := bytes.Repeat([]byte{7}, 32)
	keys, err := kdf.Derive("alice", sec, salt, fastConfig())
	require.NoError(t, err)
	defer keys.Release()

	env, err := Seal(keys, fastConfig(), salt, []byte(`{"ok":true}`), time.Now())
	require.NoError(t, err)

	// a valid AEAD under a forged hmac must still be rejected
	env.HMAC = bytes.Repeat([]byte{0}, MACSize)
	_, err = Open(keys, env)
	require.ErrorIs(t, err, errs.ErrIntegrity)
	require.Contains(t, err.Error(), "hmac")
}

func TestCipher_Derivatives(t *testing.T) {
	t.Parallel()
	c := newCipher(t, "alice", "1234")

	renamed, err := c.WithIdentity("bob")
	require.NoError(t, err)
	defer renamed.Release()
	require.Equal(t, "bob", renamed.Identity())

	rekeyed, err := c.WithSecret(secmem.HoldString("9999"))
	require.NoError(t, err)
	defer rekeyed.Release()

	data := seal(t, rekeyed, payload{Name: "n"})
	var out payload
	require.ErrorIs(t, c.Decrypt(context.Background(), data, &out), errs.ErrIntegrity)
	require.NoError(t, rekeyed.Decrypt(context.Background(), data, &out))

	// the original still works after its derivatives are released
	renamed.Release()
	require.NoError(t, c.Decrypt(context.Background(), seal(t, c, payload{}), &out))
}

func TestNewCipher_Rejects(t *testing.T) {
	t.Parallel()
	_, err := NewCipher("", secmem.HoldString("1"), fastConfig())
	require.ErrorIs(t, err, errs.ErrKdf)
	_, err = NewCipher("alice", secmem.Hold(nil), fastConfig())
	require.ErrorIs(t, err, errs.ErrKdf)
}
