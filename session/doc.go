// Package session provides Redis-backed persistence for sessions and their rotating
// refresh-token records.
//
// # Data layout
//
// Each session is a Redis hash carrying device metadata, activity timestamps, the
// current refresh token id, the rotation version counter, and the CSRF digest. Each
// issued refresh token is its own hash keyed by token id, retained (with a residual
// TTL) after revocation so a revoked-but-unexpired token is distinguishable from an
// unknown one. A per-user set indexes live sessions for logout-all and enumeration.
//
// # Rotation
//
// Refresh rotation is a single Lua script: it validates the presented token record,
// compares the rotation version against the session (compare-and-swap), revokes the
// predecessor, inserts the successor, and advances the session pointer in one atomic
// step. A version mismatch or a replayed predecessor terminates the whole session —
// that is the reuse signal the Engine surfaces as [ErrTokenReused].
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model. It does
// NOT interpret JWTs, hash passwords, or enforce authentication policy — those
// responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authcore or jwt (no upward imports).
//   - Store plaintext refresh secrets or CSRF values in [Session] fields.
package session
