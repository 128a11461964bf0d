// Package authcore implements the session and token lifecycle for a
// multi-device web application: JWT access tokens, rotating opaque
// refresh tokens with reuse detection, Redis-backed per-device sessions
// with idle and absolute expiry, CSRF binding, and sliding-window rate
// limits with progressive delay.
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder],
// [Config], and value types (TokenSet, MetricsSnapshot, SessionInfo,
// etc). All internal coordination — token encoding, session storage
// scripts, rate limiting — lives under internal/ and the session/
// subpackage and is never re-exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or token encoding details
//     in its public API.
//   - Perform I/O outside of Engine methods (construction via Builder
//     is allocation-only until Build).
//   - Return refresh-token or CSRF plaintext anywhere except the
//     [TokenSet] issued by Login, Refresh, and IssueCSRF.
//
// # Performance contract
//
// Validate is the hot path. Signature and expiry checks are pure CPU
// work; the session liveness check costs exactly one Redis read, and
// no call path performs more than that. Login, Refresh, and the
// session views are allowed one Redis script call per step.
package authcore
