// Package config loads, normalizes, and validates shellbridge configuration.
//
// Defaults come from Default, a TOML file overlays them, and normalize
// expands paths and applies environment overrides before Validate checks
// ranges. CreateSample writes the embedded sample file used by
// `shellbridge config init`.
package config
