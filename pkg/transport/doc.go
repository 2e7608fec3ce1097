// Package transport defines the byte-stream links the agent talks over.
//
// A Transport listens for and dials Sessions of one Kind. A Session carries
// whole frames in both directions; framing is handled here so callers never
// see partial reads. Implementations live in subpackages: mem (in-process,
// for tests) and pipe (named pipes on Windows, unix sockets elsewhere).
package transport
