// Package rate implements the Redis-backed sliding-window rate limiter that guards
// login, refresh, and registration traffic.
//
// # Mechanism
//
// Each (action, identifier) pair owns a sorted set of attempt timestamps. A single
// Lua script prunes the window, applies the hard attempt ceiling, and enforces a
// progressive delay (exponential per excess attempt, capped) for attempts beyond
// the grace budget. One script execution, one atomic decision — safe under
// concurrent access from multiple server processes.
//
// # What this package must NOT do
//
//   - Decide which identifiers to throttle (the Engine composes account and IP keys).
//   - Import the root package or the session store (no upward imports).
package rate
