// Package fault defines the failure categories shared by the IPC layer.
//
// Every error that leaves the transport, codec, registry, or client is tagged
// with one of the marker errors so callers can branch with errors.Is and show
// a stable message with Describe instead of a raw socket error.
package fault
