package suite

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// aesHMAC is the controller's native format:
// IV(16) | AES-256-CBC(PKCS7) | HMAC-SHA256(IV|ciphertext).
type aesHMAC struct {
	key   []byte
	block cipher.Block
}

func newAESHMAC(key []byte) (*aesHMAC, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesHMAC{key: append([]byte(nil), key...), block: b}, nil
}

func (c *aesHMAC) Name() Name { return AES256HMAC }

func (c *aesHMAC) Seal(p []byte) ([]byte, error) {
	pad := aes.BlockSize - len(p)%aes.BlockSize
	body := make([]byte, aes.BlockSize+len(p)+pad, aes.BlockSize+len(p)+pad+sha256.Size)
	iv := body[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	copy(body[aes.BlockSize:], p)
	copy(body[aes.BlockSize+len(p):], bytes.Repeat([]byte{byte(pad)}, pad))
	ct := body[aes.BlockSize:]
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ct, ct)
	return append(body, c.mac(body)...), nil
}

func (c *aesHMAC) Open(s []byte) ([]byte, error) {
	if len(s) < aes.BlockSize*2+sha256.Size || (len(s)-sha256.Size)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad length %d", ErrAuthentication, len(s))
	}
	body, tag := s[:len(s)-sha256.Size], s[len(s)-sha256.Size:]
	if !hmac.Equal(tag, c.mac(body)) {
		return nil, ErrAuthentication
	}
	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, fmt.Errorf("%w: bad padding", ErrAuthentication)
	}
	return out[:len(out)-pad], nil
}

func (c *aesHMAC) mac(b []byte) []byte {
	m := hmac.New(sha256.New, c.key)
	m.Write(b)
	return m.Sum(nil)
}
