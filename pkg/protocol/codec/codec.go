// Package codec holds the body serializers a channel can be configured with.
package codec

import (
	"encoding/json"
	"sync"
)

// Codec marshals message bodies. Both ends of a channel must pick the same
// codec, which the format byte of each body records.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns the default codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Registry resolves codecs by content type. It is safe for concurrent use so
// a profile and its peers can share one.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry returns a registry holding the JSON, CBOR and protobuf codecs.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	if c, err := CBOR(); err == nil {
		r.Register(c)
	}
	return r
}

// Register adds c, replacing any codec with the same content type.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.byType[c.ContentType()] = c
	r.mu.Unlock()
}

// Lookup returns the codec for contentType.
func (r *Registry) Lookup(contentType string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byType[contentType]
	return c, ok
}
