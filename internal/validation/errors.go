// Package validation implements source-level lint checks enforced by the
// repository's guard tooling.
package validation

// Error locates one lint finding in the scanned source tree.
type Error struct {
	File    string
	Line    int
	Message string
	Code    string
}
