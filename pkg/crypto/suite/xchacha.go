package suite

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var xchachaInfo = []byte("pipemesh session xchacha20poly1305")

// xchacha seals as nonce(24) | AEAD ciphertext. The AEAD key is derived from
// the session key so the same key material never feeds two constructions.
type xchacha struct{ aead cipher.AEAD }

func newXChaCha(key []byte) (*xchacha, error) {
	dk := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, xchachaInfo), dk); err != nil {
		return nil, err
	}
	a, err := chacha20poly1305.NewX(dk)
	if err != nil {
		return nil, err
	}
	return &xchacha{aead: a}, nil
}

func (c *xchacha) Name() Name { return XChaCha20Poly1305 }

func (c *xchacha) Seal(p []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, ns, ns+len(p)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out[:ns], p, nil), nil
}

func (c *xchacha) Open(s []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(s) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: bad length %d", ErrAuthentication, len(s))
	}
	p, err := c.aead.Open(nil, s[:ns], s[ns:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return p, nil
}
