package session

import (
	"fmt"

	"pipemesh/pkg/api"
	"pipemesh/pkg/protocol"
	"pipemesh/pkg/protocol/codec"
)

// IDLen is the length of the identifier prefix on every payload.
const IDLen = 36

// Role says which end of the channel a Serializer sits on. It decides how
// opaque payloads are typed on the way in.
type Role int

const (
	RoleAgent Role = iota
	RoleController
)

// Serializer turns messages into id | seal(format | body) payloads using the
// session's current key, and back.
type Serializer struct {
	sess   *Session
	reg    *codec.Registry
	format protocol.Format
	role   Role
}

// NewSerializer returns a serializer bound to sess.
func NewSerializer(sess *Session, reg *codec.Registry, format protocol.Format, role Role) *Serializer {
	if reg == nil {
		reg = codec.NewRegistry()
	}
	return &Serializer{sess: sess, reg: reg, format: format, role: role}
}

// Session returns the session the serializer reads keys from.
func (z *Serializer) Session() *Session { return z.sess }

// Serialize seals msg under the key current at call time.
func (z *Serializer) Serialize(msg api.Message) ([]byte, error) {
	snap := z.sess.Snapshot()
	if len(snap.ID) != IDLen {
		return nil, fmt.Errorf("session id %q is not %d bytes", snap.ID, IDLen)
	}
	body, err := protocol.EncodeBody(z.reg, z.format, msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	sealed, err := snap.Cipher.Seal(body)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", msg.Type(), err)
	}
	out := make([]byte, 0, IDLen+len(sealed))
	out = append(out, snap.ID...)
	return append(out, sealed...), nil
}

// Deserialize opens data and decodes it as tag. For TypeDelegate the concrete
// type is taken from the body's action field.
func (z *Serializer) Deserialize(data []byte, tag api.MessageType) (api.Message, error) {
	if len(data) < IDLen {
		return nil, fmt.Errorf("payload of %d bytes has no id prefix", len(data))
	}
	body, err := z.sess.Snapshot().Cipher.Open(data[IDLen:])
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tag, err)
	}
	msg := api.NewMessage(tag)
	if msg == nil {
		if msg, err = z.sniff(body); err != nil {
			return nil, err
		}
	}
	if _, err := protocol.DecodeBody(z.reg, body, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Type(), err)
	}
	return msg, nil
}

// PeekID returns the identifier prefix of a payload.
func PeekID(data []byte) (string, bool) {
	if len(data) < IDLen {
		return "", false
	}
	return string(data[:IDLen]), true
}

func (z *Serializer) sniff(body []byte) (api.Message, error) {
	var head struct {
		Action string `json:"action"`
	}
	if _, err := protocol.DecodeBody(z.reg, body, &head); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	mt, ok := api.TypeForAction(head.Action, z.role == RoleAgent)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", head.Action)
	}
	return api.NewMessage(mt), nil
}
