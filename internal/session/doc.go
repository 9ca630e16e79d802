// Package session tracks which connection currently speaks for each terminal
// session and what is outstanding on it.
//
// A Registry holds at most one live connection per session id. Binding a new
// connection supersedes the old one: its pending requests and event sinks
// fail with a Disconnected error and the old connection is closed before the
// new binding becomes visible. Pending requests resolve exactly once through
// a response, a timeout, or connection loss, whichever removes them from the
// registry first.
package session
