package protocol

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"pipemesh/pkg/api"
)

// MaxFragmentPayload returns how many raw payload bytes fit one channel write
// of writeSize bytes once reserve bytes are set aside for the envelope fields
// and framing. The payload is base64 encoded inside the envelope, so only
// three quarters of the remaining room is usable.
func MaxFragmentPayload(writeSize, reserve int) int {
	room := writeSize - reserve
	if room < 4 {
		return 0
	}
	return room / 4 * 3
}

// NewMessageID returns a fresh message id.
func NewMessageID() string { return uuid.NewString() }

// Split cuts data into fragments of at most size bytes. The message is always
// fully serialized before it gets here; an empty message still yields one
// fragment so the receiver observes it.
func Split(id string, tag api.MessageType, data []byte, size int) ([]Fragment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid fragment size %d", size)
	}
	if id == "" {
		id = NewMessageID()
	}
	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, Fragment{
			MessageID:      id,
			SequenceIndex:  i,
			TotalCount:     total,
			MessageTypeTag: tag,
			Payload:        append([]byte(nil), data[start:end]...),
		})
	}
	return out, nil
}

// Join concatenates a complete fragment set in SequenceIndex order. The slice
// may be in any order but must hold each index exactly once.
func Join(frags []Fragment) ([]byte, error) {
	if len(frags) == 0 {
		return nil, fmt.Errorf("%w: no fragments", ErrInvalidFragment)
	}
	id, total := frags[0].MessageID, frags[0].TotalCount
	if len(frags) != total {
		return nil, fmt.Errorf("%w: have %d of %d", ErrInvalidFragment, len(frags), total)
	}
	ordered := make([]Fragment, len(frags))
	copy(ordered, frags)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SequenceIndex < ordered[j].SequenceIndex })

	size := 0
	for i, f := range ordered {
		if f.MessageID != id || f.TotalCount != total {
			return nil, fmt.Errorf("%w: mixed message %q", ErrInvalidFragment, f.MessageID)
		}
		if f.SequenceIndex != i {
			return nil, fmt.Errorf("%w: missing index %d", ErrInvalidFragment, i)
		}
		size += len(f.Payload)
	}
	buf := make([]byte, 0, size)
	for _, f := range ordered {
		buf = append(buf, f.Payload...)
	}
	return buf, nil
}
