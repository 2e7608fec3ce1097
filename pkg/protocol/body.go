package protocol

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"pipemesh/pkg/protocol/codec"
)

// Format is a compact on-wire indicator of body encoding, carried as the
// first byte of every serialized message. The high bit is FlagCompressed.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
)

// Base strips the flag bits.
func (f Format) Base() Format { return f &^ FlagCompressed }

// Compressed reports whether the body is zstd compressed.
func (f Format) Compressed() bool { return f&FlagCompressed != 0 }

func (f Format) String() string {
	switch f.Base() {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	case FormatProto:
		return ContentProto
	default:
		return ContentUnknown
	}
}

// ParseFormat maps a configured serializer name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "json", "":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	case "proto", "protobuf":
		return FormatProto, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown serializer: %q", name)
	}
}

func lookup(r *codec.Registry, ct string, fallback func() (codec.Codec, error)) (codec.Codec, error) {
	if r != nil {
		if c, ok := r.Lookup(ct); ok {
			return c, nil
		}
	}
	return fallback()
}

// CodecFor returns a codec instance for a given format.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	switch f.Base() {
	case FormatJSON:
		return lookup(r, ContentJSON, func() (codec.Codec, error) { return codec.JSON(), nil })
	case FormatCBOR:
		return lookup(r, ContentCBOR, func() (codec.Codec, error) { return codec.CBOR() })
	case FormatProto:
		return lookup(r, ContentProto, func() (codec.Codec, error) { return codec.Proto(), nil })
	default:
		return nil, fmt.Errorf("unknown format: %d", f)
	}
}

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeBody serializes v using the codec for f and prefixes the result with
// a single format byte. With FlagCompressed set the codec output is zstd
// compressed.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1, 1+len(b))
	out[0] = byte(f)
	if f.Compressed() {
		return zenc.EncodeAll(b, out), nil
	}
	return append(out, b...), nil
}

// DecodeBody decodes a payload produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
	if len(payload) == 0 {
		return FormatUnknown, fmt.Errorf("empty payload")
	}
	f := Format(payload[0])
	c, err := CodecFor(r, f)
	if err != nil {
		return f, err
	}
	body := payload[1:]
	if f.Compressed() {
		if body, err = zdec.DecodeAll(body, nil); err != nil {
			return f, fmt.Errorf("decompress body: %w", err)
		}
	}
	if err := c.Unmarshal(body, v); err != nil {
		return f, err
	}
	return f, nil
}
