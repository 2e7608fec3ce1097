// Package suite implements the symmetric cipher suites used to seal messages
// once a session key is known.
package suite

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the length of every session key.
const KeySize = 32

// ErrAuthentication is returned when a sealed message fails its integrity
// check.
var ErrAuthentication = errors.New("message authentication failed")

// Name identifies a cipher suite.
type Name string

const (
	AES256HMAC        Name = "aes256_hmac"
	XChaCha20Poly1305 Name = "xchacha20poly1305"
	None              Name = "none"
)

// ParseName normalizes a configured suite name.
func ParseName(s string) (Name, error) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case AES256HMAC, XChaCha20Poly1305, None:
		return n, nil
	case "":
		return AES256HMAC, nil
	default:
		return "", fmt.Errorf("unknown cipher suite: %q", s)
	}
}

// Cipher seals and opens whole messages. Implementations are safe for
// concurrent use.
type Cipher interface {
	Name() Name
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// New builds the cipher for suite keyed with key.
func New(name Name, key []byte) (Cipher, error) {
	if name == None {
		return plain{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s: key must be %d bytes, got %d", name, KeySize, len(key))
	}
	switch name {
	case AES256HMAC:
		return newAESHMAC(key)
	case XChaCha20Poly1305:
		return newXChaCha(key)
	default:
		return nil, fmt.Errorf("unknown cipher suite: %q", name)
	}
}

// GenerateKey returns a fresh random session key.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}

type plain struct{}

func (plain) Name() Name                    { return None }
func (plain) Seal(p []byte) ([]byte, error) { return append([]byte(nil), p...), nil }
func (plain) Open(s []byte) ([]byte, error) { return append([]byte(nil), s...), nil }
