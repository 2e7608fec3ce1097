package config

import (
	"strings"

	"pipemesh/pkg/api"
)

// PeerConfig describes one link to another agent.
//
//	peers:
//	  - kind: smb
//	    pipe_name: child
//	    host: fileserver01
type PeerConfig struct {
	Kind     string `mapstructure:"kind" yaml:"kind"`
	PipeName string `mapstructure:"pipe_name" yaml:"pipe_name"`
	Host     string `mapstructure:"host" yaml:"host,omitempty"`

	PeerKind api.PeerKind `mapstructure:"-" yaml:"-"`
}

func (p *PeerConfig) validate() error {
	k, err := api.ParsePeerKind(p.Kind)
	if err != nil {
		return err
	}
	p.PeerKind = k
	p.PipeName = strings.TrimSpace(p.PipeName)
	if p.PipeName == "" {
		return &api.ConfigError{Field: "peer pipe_name", Value: p.PipeName}
	}
	return nil
}

// Information returns the routing-table view of the link.
func (p PeerConfig) Information() api.PeerInformation {
	return api.PeerInformation{Kind: p.PeerKind, PipeName: p.PipeName, Host: p.Host}
}
