// Package ipc implements the request/response and event layer between the
// shellbridge CLI and its daemon.
//
// Client dials the daemon socket, performs the session.hello handshake, and
// multiplexes requests by correlation id over a single connection. Requests
// resolve exactly once with a response, a timeout, or a disconnect. Topic
// subscriptions are pull-based sequences that end with a terminal error when
// the connection is lost. Dropped connections are re-dialed lazily with a
// capped exponential backoff.
//
// Router is the daemon side: it accepts connections, binds each to its
// terminal session, dispatches requests to registered handlers, and fans
// events out to subscribers. Telemetry copies of designated events are
// offered to a sink that must never block dispatch.
package ipc
