// Package procinfo anchors a CLI invocation to the terminal session it runs
// in.
//
// A Source reads process table entries; the default one is backed by
// gopsutil and works on Linux, macOS, the BSDs and Windows.
// Walk climbs the parent chain, bounded by a hop limit, until it finds the
// nearest process whose name matches a shell or terminal signature. The
// anchor's pid and start time are hashed into a session id that stays stable
// for the life of that shell, and the id is exported to children through
// EnvSessionID so they can skip the walk.
package procinfo
