// Package config loads the service configuration from built-in defaults,
// an optional YAML file and environment overrides, and validates every
// section before the server starts.
package config
