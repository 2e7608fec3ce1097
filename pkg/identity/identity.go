// Package identity resolves who the agent says it is before the controller
// assigns an id, and the pre-shared key the first messages are sealed with.
package identity

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipemesh/pkg/config"
	"pipemesh/pkg/crypto/suite"
)

// PayloadID returns the configured payload id, generating one when unset.
// The id must be a UUID since it prefixes every payload.
func PayloadID(c *config.Config) (string, error) {
	if c.PayloadID == "" {
		id := uuid.NewString()
		zap.L().Info("generated payload id (persist to config payload_id)", zap.String("payload_id", id))
		return id, nil
	}
	u, err := uuid.Parse(c.PayloadID)
	if err != nil {
		return "", fmt.Errorf("payload_id: %w", err)
	}
	return u.String(), nil
}

// LoadPSK decodes the profile's pre-shared key from config or file. A nil key
// with no error means none was configured.
func LoadPSK(p config.ProfileConfig) ([]byte, error) {
	s := strings.TrimSpace(p.PSK)
	if s == "" && strings.TrimSpace(p.PSKFile) != "" {
		b, err := os.ReadFile(p.PSKFile)
		if err != nil {
			return nil, fmt.Errorf("read profile.psk_file: %w", err)
		}
		s = strings.TrimSpace(string(b))
	}
	if s == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode profile.psk: %w", err)
	}
	if len(key) != suite.KeySize {
		return nil, fmt.Errorf("profile.psk must decode to %d bytes, got %d", suite.KeySize, len(key))
	}
	return key, nil
}

// BaseCipher builds the cipher the channel starts with. Without a key the
// channel starts in the clear.
func BaseCipher(p config.ProfileConfig, psk []byte) (suite.Cipher, error) {
	if len(psk) == 0 {
		if p.Suite != suite.None {
			zap.L().Warn("no pre-shared key configured, channel starts unencrypted", zap.String("cipher", string(p.Suite)))
		}
		return suite.New(suite.None, nil)
	}
	return suite.New(p.Suite, psk)
}
