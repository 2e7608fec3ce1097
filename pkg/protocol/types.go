package protocol

// ContentType names, matching codec.Codec.ContentType.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)

// FlagCompressed marks a zstd compressed body in the format byte.
const FlagCompressed Format = 0x80
