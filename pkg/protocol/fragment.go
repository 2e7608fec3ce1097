package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"pipemesh/pkg/api"
)

// ErrInvalidFragment is returned for fragments whose numbering cannot belong
// to any message.
var ErrInvalidFragment = errors.New("invalid fragment")

// Fragment is one size-bounded piece of a serialized message. Fragments of a
// message share MessageID and are numbered 0..TotalCount-1. MessageTypeTag is
// the type of the reassembled message.
type Fragment struct {
	MessageID      string          `json:"messageId"`
	SequenceIndex  int             `json:"sequenceIndex"`
	TotalCount     int             `json:"totalCount"`
	MessageTypeTag api.MessageType `json:"messageTypeTag"`
	Payload        []byte          `json:"payload"`
}

// Validate checks the numbering of f.
func (f *Fragment) Validate() error {
	switch {
	case f.MessageID == "":
		return fmt.Errorf("%w: empty message id", ErrInvalidFragment)
	case f.TotalCount <= 0:
		return fmt.Errorf("%w: total %d", ErrInvalidFragment, f.TotalCount)
	case f.SequenceIndex < 0 || f.SequenceIndex >= f.TotalCount:
		return fmt.Errorf("%w: index %d of %d", ErrInvalidFragment, f.SequenceIndex, f.TotalCount)
	}
	return nil
}

// EncodeFragment renders f as the JSON wire envelope. Payload is carried as
// base64.
func EncodeFragment(f Fragment) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFragment parses one wire envelope and validates it.
func DecodeFragment(b []byte) (Fragment, error) {
	var f Fragment
	if err := json.Unmarshal(b, &f); err != nil {
		return Fragment{}, fmt.Errorf("decode fragment: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

// Frames splits data under a fresh message id and encodes every fragment,
// ready to be written one per transport write.
func Frames(tag api.MessageType, data []byte, size int) ([][]byte, error) {
	frags, err := Split("", tag, data, size)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frags))
	for i, f := range frags {
		if out[i], err = EncodeFragment(f); err != nil {
			return nil, err
		}
	}
	return out, nil
}
