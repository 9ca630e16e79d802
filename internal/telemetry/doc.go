// Package telemetry forwards designated events to a local journal without
// ever blocking the router. AsyncSink accepts events through a bounded
// buffer and counts what it has to drop; Journal appends them as JSON lines.
package telemetry
