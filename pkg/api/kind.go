package api

import (
	"fmt"
	"strings"
)

// ConfigError reports a configuration value that the agent cannot act on,
// such as an unsupported profile or peer kind.
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unsupported %s: %q", e.Field, e.Value)
}

// PeerKind enumerates the peer transports the routing table can construct.
type PeerKind int

const (
	PeerUnknown PeerKind = iota
	PeerSMB
)

func (k PeerKind) String() string {
	switch k {
	case PeerSMB:
		return "smb"
	default:
		return "unknown"
	}
}

// ParsePeerKind maps a configured kind name to a PeerKind.
func ParsePeerKind(s string) (PeerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "smb":
		return PeerSMB, nil
	default:
		return PeerUnknown, &ConfigError{Field: "peer kind", Value: s}
	}
}

// ProfileKind enumerates the upstream transport profiles.
type ProfileKind int

const (
	ProfileUnknown ProfileKind = iota
	ProfileSMB
)

func (k ProfileKind) String() string {
	switch k {
	case ProfileSMB:
		return "smb"
	default:
		return "unknown"
	}
}

// ParseProfileKind maps a configured profile name to a ProfileKind.
func ParseProfileKind(s string) (ProfileKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "smb", "namedpipe":
		return ProfileSMB, nil
	default:
		return ProfileUnknown, &ConfigError{Field: "profile kind", Value: s}
	}
}

// PeerInformation describes a link to open towards another agent.
type PeerInformation struct {
	Kind     PeerKind
	PipeName string
	// Host is the remote machine for named pipes; empty or "." means local.
	Host string
}
