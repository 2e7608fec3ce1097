package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pipemesh/pkg/api"
	"pipemesh/pkg/crypto/suite"
	"pipemesh/pkg/protocol"
)

// ProfileConfig configures the upstream channel the agent serves.
//
// Example YAML:
//
//	profile:
//	  kind: smb
//	  pipe_name: updater
//	  encrypted_exchange_check: true
//	  psk: <base64 32-byte key>
//	  cipher: aes256_hmac
//	  serializer: json
type ProfileConfig struct {
	Kind                   string `mapstructure:"kind" yaml:"kind"`
	PipeName               string `mapstructure:"pipe_name" yaml:"pipe_name"`
	EncryptedExchangeCheck bool   `mapstructure:"encrypted_exchange_check" yaml:"encrypted_exchange_check"`
	// PSK is the base64 pre-shared key; PSKFile names a file holding it.
	// Without either the channel starts in the clear.
	PSK     string `mapstructure:"psk" yaml:"psk,omitempty"`
	PSKFile string `mapstructure:"psk_file" yaml:"psk_file,omitempty"`
	Cipher  string `mapstructure:"cipher" yaml:"cipher"`
	// Serializer: json, cbor or proto
	Serializer string `mapstructure:"serializer" yaml:"serializer"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`

	SendSize       int `mapstructure:"send_size" yaml:"send_size"`
	RecvSize       int `mapstructure:"recv_size" yaml:"recv_size"`
	ChunkReserve   int `mapstructure:"chunk_reserve" yaml:"chunk_reserve"`
	MaxInstances   int `mapstructure:"max_instances" yaml:"max_instances"`
	PollIntervalMS int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	RSABits        int `mapstructure:"rsa_bits" yaml:"rsa_bits"`
	// StallTimeoutMS evicts partial messages older than this; 0 keeps them.
	StallTimeoutMS int `mapstructure:"stall_timeout_ms" yaml:"stall_timeout_ms"`
	// WriteRateBytes caps bytes per second written per connection; 0 is unlimited.
	WriteRateBytes int `mapstructure:"write_rate_bytes" yaml:"write_rate_bytes"`
	// MaxMessageBytes bounds one reassembled message. Fragments announcing
	// more fragments than this allows are dropped.
	MaxMessageBytes int `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`

	// Parsed forms, filled by validate.
	ProfileKind api.ProfileKind `mapstructure:"-" yaml:"-"`
	Suite       suite.Name      `mapstructure:"-" yaml:"-"`
	Format      protocol.Format `mapstructure:"-" yaml:"-"`
}

const defaultMaxMessageBytes = 64 << 20

// DefaultProfile returns the profile defaults.
func DefaultProfile() ProfileConfig {
	return ProfileConfig{
		Kind:                   "smb",
		PipeName:               "pipemesh",
		EncryptedExchangeCheck: true,
		Cipher:                 string(suite.AES256HMAC),
		Serializer:             "json",
		SendSize:               65536,
		RecvSize:               65536,
		ChunkReserve:           1000,
		MaxInstances:           1,
		PollIntervalMS:         100,
		RSABits:                4096,
		MaxMessageBytes:        defaultMaxMessageBytes,
	}
}

func (p ProfileConfig) setDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".kind", p.Kind)
	v.SetDefault(prefix+".pipe_name", p.PipeName)
	v.SetDefault(prefix+".encrypted_exchange_check", p.EncryptedExchangeCheck)
	v.SetDefault(prefix+".psk", p.PSK)
	v.SetDefault(prefix+".psk_file", p.PSKFile)
	v.SetDefault(prefix+".cipher", p.Cipher)
	v.SetDefault(prefix+".serializer", p.Serializer)
	v.SetDefault(prefix+".compress", p.Compress)
	v.SetDefault(prefix+".send_size", p.SendSize)
	v.SetDefault(prefix+".recv_size", p.RecvSize)
	v.SetDefault(prefix+".chunk_reserve", p.ChunkReserve)
	v.SetDefault(prefix+".max_instances", p.MaxInstances)
	v.SetDefault(prefix+".poll_interval_ms", p.PollIntervalMS)
	v.SetDefault(prefix+".rsa_bits", p.RSABits)
	v.SetDefault(prefix+".stall_timeout_ms", p.StallTimeoutMS)
	v.SetDefault(prefix+".write_rate_bytes", p.WriteRateBytes)
	v.SetDefault(prefix+".max_message_bytes", p.MaxMessageBytes)
}

// Normalize parses the kind, cipher and serializer names and checks sizes.
// Load calls it; programmatic callers building a ProfileConfig by hand
// should too.
func (p *ProfileConfig) Normalize() error { return p.validate() }

func (p *ProfileConfig) validate() error {
	kind, err := api.ParseProfileKind(p.Kind)
	if err != nil {
		return err
	}
	p.ProfileKind = kind
	if p.Suite, err = suite.ParseName(p.Cipher); err != nil {
		return &api.ConfigError{Field: "cipher", Value: p.Cipher}
	}
	f, err := protocol.ParseFormat(p.Serializer)
	if err != nil {
		return &api.ConfigError{Field: "serializer", Value: p.Serializer}
	}
	if p.Compress {
		f |= protocol.FlagCompressed
	}
	p.Format = f
	p.PipeName = strings.TrimSpace(p.PipeName)
	if p.PipeName == "" {
		return fmt.Errorf("profile.pipe_name is required")
	}
	if p.SendSize <= 0 || p.RecvSize <= 0 {
		return fmt.Errorf("profile.send_size and profile.recv_size must be positive")
	}
	if p.ChunkReserve < 0 {
		p.ChunkReserve = 0
	}
	if protocol.MaxFragmentPayload(p.SendSize, p.ChunkReserve) <= 0 {
		return fmt.Errorf("profile.chunk_reserve %d leaves no room in send_size %d", p.ChunkReserve, p.SendSize)
	}
	if p.MaxInstances <= 0 {
		p.MaxInstances = 1
	}
	if p.PollIntervalMS <= 0 {
		p.PollIntervalMS = 100
	}
	if p.MaxMessageBytes <= 0 {
		p.MaxMessageBytes = defaultMaxMessageBytes
	}
	return nil
}

// MaxFragments is the largest fragment count a peer may announce for one
// message at the configured sizes.
func (p ProfileConfig) MaxFragments() int {
	size := protocol.MaxFragmentPayload(p.SendSize, p.ChunkReserve)
	if size <= 0 {
		return 1
	}
	return max(1, (p.MaxMessageBytes+size-1)/size)
}

func (p ProfileConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p ProfileConfig) StallTimeout() time.Duration {
	return time.Duration(p.StallTimeoutMS) * time.Millisecond
}
