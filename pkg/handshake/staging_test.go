package handshake

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipemesh/pkg/api"
)

// 2048 keeps the tests fast; agents default to DefaultBits.
const testBits = 2048

func TestStagingExchange(t *testing.T) {
	k, err := NewStagingKey(testBits)
	require.NoError(t, err)
	assert.Len(t, k.SessionID, sessionIDLen)

	req, err := k.Request()
	require.NoError(t, err)
	assert.Equal(t, "staging_rsa", req.Action)
	assert.Equal(t, k.SessionID, req.SessionID)

	resp, serverKey, err := Respond(req, "temp-callback")
	require.NoError(t, err)
	assert.Equal(t, k.SessionID, resp.SessionID)

	key, id, err := k.Complete(resp)
	require.NoError(t, err)
	assert.Equal(t, serverKey, key)
	assert.Equal(t, "temp-callback", id)
}

func TestCompleteRejectsForeignSession(t *testing.T) {
	a, err := NewStagingKey(testBits)
	require.NoError(t, err)
	b, err := NewStagingKey(testBits)
	require.NoError(t, err)

	req, _ := b.Request()
	resp, _, err := Respond(req, "x")
	require.NoError(t, err)

	_, _, err = a.Complete(resp)
	assert.True(t, errors.Is(err, ErrSessionMismatch))

	resp.SessionID = ""
	_, _, err = a.Complete(resp)
	assert.Error(t, err, "key encrypted for another keypair must not decrypt")
}

func TestCompleteRejectsGarbage(t *testing.T) {
	k, err := NewStagingKey(testBits)
	require.NoError(t, err)
	_, _, err = k.Complete(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	resp := &api.EKEHandshakeResponse{Action: "staging_rsa", SessionKey: "!!not-base64!!", SessionID: k.SessionID}
	_, _, err = k.Complete(resp)
	assert.ErrorIs(t, err, ErrMalformed)

	resp.SessionKey = base64.StdEncoding.EncodeToString([]byte("short"))
	_, _, err = k.Complete(resp)
	assert.Error(t, err)
}

func TestRespondRejectsBadRequest(t *testing.T) {
	_, _, err := Respond(nil, "x")
	assert.ErrorIs(t, err, ErrMalformed)
	bad := &api.EKEHandshakeMessage{Action: "staging_rsa", PublicKey: base64.StdEncoding.EncodeToString([]byte("nope"))}
	_, _, err = Respond(bad, "x")
	assert.ErrorIs(t, err, ErrMalformed)
}
