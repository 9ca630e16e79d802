// Package logging assembles structured slog loggers and formatting helpers used
// across shellbridge.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context helpers so router and client code can tag log
// lines with session and correlation ids. A no-op logger is provided for
// tests and wiring code that cannot fail.
package logging
