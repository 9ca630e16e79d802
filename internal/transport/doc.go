// Package transport carries frames over local unix domain sockets.
//
// It derives socket paths deterministically from the runtime directory, the
// user, and optionally a session id, and wraps each socket in a Conn that
// tracks its Connecting, Open, Closing, Closed lifecycle and serializes
// writers so frames stay atomic on the wire.
package transport
