package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerKind(t *testing.T) {
	k, err := ParsePeerKind(" SMB ")
	require.NoError(t, err)
	assert.Equal(t, PeerSMB, k)
	assert.Equal(t, "smb", k.String())

	_, err = ParsePeerKind("tcp")
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "tcp", cfgErr.Value)
	assert.Equal(t, "peer kind", cfgErr.Field)
}

func TestParseProfileKind(t *testing.T) {
	k, err := ParseProfileKind("namedpipe")
	require.NoError(t, err)
	assert.Equal(t, ProfileSMB, k)

	_, err = ParseProfileKind("http")
	assert.EqualError(t, err, `unsupported profile kind: "http"`)
}

func TestTypeForAction(t *testing.T) {
	mt, ok := TypeForAction("staging_rsa", true)
	require.True(t, ok)
	assert.Equal(t, TypeStagingResponse, mt)

	mt, ok = TypeForAction("get_tasking", false)
	require.True(t, ok)
	assert.Equal(t, TypeTasking, mt)

	_, ok = TypeForAction("upload", true)
	assert.False(t, ok)
}

func TestTaskingEmpty(t *testing.T) {
	var nilBatch *TaskingMessage
	assert.True(t, nilBatch.Empty())
	assert.True(t, (&TaskingMessage{Action: "get_tasking"}).Empty())
	assert.False(t, (&TaskingMessage{Socks: []SocksDatagram{{ServerID: 1}}}).Empty())
}
