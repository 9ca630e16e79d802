// Package main hosts the shellbridge CLI entrypoint and command graph.
//
// The Cobra-based command tree resolves the invoking terminal session,
// translates invocations into requests against the background daemon, and
// manages the daemon's lifecycle. Session discovery, socket resolution, and
// client construction live in internal/daemonctl so commands here stay
// declarative.
package main
