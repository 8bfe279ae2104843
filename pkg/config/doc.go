// Package config loads and validates the collector's YAML configuration.
// Invalid configuration is fatal at startup.
package config
