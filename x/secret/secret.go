// Package secret provides helpers for short-lived sensitive buffers,
// such as PIN material collected from a prompt.
package secret

import "crypto/subtle"

// Zero overwrites b with zeros
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Dup returns a copy of b, or nil for empty input
func Dup(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Equal compares two buffers in constant time with respect to content
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
