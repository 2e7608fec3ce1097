// Package handshake implements the encrypted key exchange that upgrades a
// channel from the pre-shared key to a per-session key.
//
// The agent generates an ephemeral RSA keypair and sends its public half in a
// staging_rsa message. The controller answers with a fresh session key
// encrypted to that public key (RSA-OAEP, SHA-1) and the identifier it
// assigned to the staging session.
package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"pipemesh/pkg/api"
	"pipemesh/pkg/crypto/suite"
)

const (
	// DefaultBits is the RSA modulus size used by agents in the field.
	DefaultBits   = 4096
	action        = "staging_rsa"
	sessionIDLen  = 20
	sessionIDKeys = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrSessionMismatch = errors.New("staging response for another session")
	ErrMalformed       = errors.New("malformed staging message")
)

// StagingKey is the ephemeral keypair of one handshake attempt.
type StagingKey struct {
	priv      *rsa.PrivateKey
	SessionID string
}

// NewStagingKey generates an RSA keypair of the given size and a random
// session id.
func NewStagingKey(bits int) (*StagingKey, error) {
	if bits <= 0 {
		bits = DefaultBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	id, err := randomID(sessionIDLen)
	if err != nil {
		return nil, err
	}
	return &StagingKey{priv: priv, SessionID: id}, nil
}

// PublicKeyPEM returns the PKIX public key in PEM form.
func (k *StagingKey) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Request builds the staging message for this key.
func (k *StagingKey) Request() (*api.EKEHandshakeMessage, error) {
	pub, err := k.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	return &api.EKEHandshakeMessage{
		Action:    action,
		PublicKey: base64.StdEncoding.EncodeToString([]byte(pub)),
		SessionID: k.SessionID,
	}, nil
}

// Complete decrypts the session key carried by resp. It returns the raw key
// and the identifier the controller assigned.
func (k *StagingKey) Complete(resp *api.EKEHandshakeResponse) ([]byte, string, error) {
	if resp == nil || resp.SessionKey == "" {
		return nil, "", ErrMalformed
	}
	if resp.SessionID != "" && resp.SessionID != k.SessionID {
		return nil, "", ErrSessionMismatch
	}
	ct, err := base64.StdEncoding.DecodeString(resp.SessionKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: session key: %v", ErrMalformed, err)
	}
	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, k.priv, ct, nil)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt session key: %w", err)
	}
	if len(key) != suite.KeySize {
		return nil, "", fmt.Errorf("%w: key length %d", ErrMalformed, len(key))
	}
	return key, resp.UUID, nil
}

// Respond is the controller side: it generates a session key for req and
// returns the response to send along with the key to switch to.
func Respond(req *api.EKEHandshakeMessage, assignedID string) (*api.EKEHandshakeResponse, []byte, error) {
	if req == nil || req.Action != action {
		return nil, nil, ErrMalformed
	}
	pemBytes, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: public key: %v", ErrMalformed, err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, nil, fmt.Errorf("%w: public key is not PEM", ErrMalformed)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: public key is %T", ErrMalformed, parsed)
	}
	key, err := suite.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt session key: %w", err)
	}
	return &api.EKEHandshakeResponse{
		Action:     action,
		UUID:       assignedID,
		SessionKey: base64.StdEncoding.EncodeToString(ct),
		SessionID:  req.SessionID,
	}, key, nil
}

func randomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = sessionIDKeys[int(b[i])%len(sessionIDKeys)]
	}
	return string(b), nil
}
