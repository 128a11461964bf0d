// Package httpapi mounts the authcore engine behind a chi router with
// cookie-based credential transport.
//
// # Endpoints
//
//	POST   /api/auth/login            credential login, sets auth cookies
//	POST   /api/auth/token/refresh    rotates the refresh token
//	GET    /api/auth/token/csrf       reissues the CSRF value
//	POST   /api/auth/logout           terminates the current session
//	POST   /api/auth/logout-all       terminates every session of the user
//	POST   /api/auth/session/sync     touches activity, returns expiry
//	GET    /api/auth/session/validate access-token and session liveness check
//	GET    /api/auth/sessions         lists the user's live sessions
//	DELETE /api/auth/sessions/{sessionID}  signs out one device
//
// All responses share the envelope {success, errorCode, message}.
// Tokens travel in cookies: access_token, refresh_token, and session_id
// are HttpOnly; csrf_token is readable so scripts can mirror it into
// the X-CSRF-Token header.
//
// # What this package must NOT do
//
//   - Implement authentication decisions (delegates to the Engine).
//   - Expose refresh-token or CSRF digests in response bodies.
package httpapi
