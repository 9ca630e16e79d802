// Package daemon coordinates the long-running shellbridge process.
//
// It wires configuration, the session registry, the IPC router, the session
// ledger, and the telemetry journal into a single lifecycle with flock-based
// locking to prevent multiple instances per socket. Feature handlers for the
// daemon.* methods live here; the router owns framing, binding, and fan-out.
//
// Keep orchestration logic here: protocol behaviour belongs in internal/ipc
// and storage in internal/ledger and internal/telemetry.
package daemon
