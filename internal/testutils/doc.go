// Package testutils holds assertion helpers for command output in tests:
// JSON comparison with placeholders and ignored fields, and text comparison
// with a unified diff on failure.
package testutils

// TestingT is the part of testing.T the asserters need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}
