// Package log provides the global zerolog-based logger and component
// field helpers.
package log
