package ipc

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"shellbridge/internal/wire"
)

// TelemetrySink receives copies of designated events. Offer must return
// immediately; false means the event was dropped.
type TelemetrySink interface {
	Offer(evt wire.Event) bool
}

// TelemetryFilter selects topics by glob pattern. '/' separates topic
// segments and "**" spans them.
type TelemetryFilter struct {
	patterns []string
}

// NewTelemetryFilter validates patterns. An empty list matches nothing.
func NewTelemetryFilter(patterns []string) (TelemetryFilter, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return TelemetryFilter{}, fmt.Errorf("telemetry topic pattern %q is invalid", p)
		}
	}
	return TelemetryFilter{patterns: append([]string(nil), patterns...)}, nil
}

// Match reports whether topic is designated for telemetry.
func (f TelemetryFilter) Match(topic string) bool {
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, topic); ok {
			return true
		}
	}
	return false
}
