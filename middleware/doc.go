// Package middleware exposes HTTP adapters for access-token and CSRF
// enforcement built on top of authcore.Engine validation.
//
// # Guards
//
//   - [Guard] — access-token verification with a session liveness check.
//   - [RequireCSRF] — double-submit CSRF check for state-changing verbs.
//   - [ClientInfo] — attaches client IP and User-Agent to the context.
//
// Guard reads the bearer token (or the access-token cookie), calls
// Engine.Validate, and injects the validated identity into the request
// context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself — all decisions are delegated
// to the Engine.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Make authorization decisions beyond pass/reject from the Engine.
package middleware
