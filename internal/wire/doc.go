// Package wire implements the length-prefixed frame format spoken between the
// CLI and the daemon.
//
// Every frame is a 4-byte big-endian length of the remainder, a 1-byte
// protocol version, a 1-byte message type, an 8-byte correlation id, and the
// payload. Request, Response, and Event payloads are CBOR maps with integer
// keys; Ping and Pong payloads are opaque and echoed back verbatim.
//
// Decoding never resynchronizes. A bad version, a malformed envelope, or a
// truncated frame is a protocol error and the connection must be dropped.
package wire
