// Package internal contains helper utilities that are intentionally private to authcore,
// including secure random generation and the opaque refresh/CSRF token codecs.
//
// # Sub-packages
//
//   - rate — Redis-backed sliding-window rate limit primitives with progressive delay
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Be imported by any package outside the authcore module.
package internal
