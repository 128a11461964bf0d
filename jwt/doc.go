// Package jwt issues and verifies the stateless access tokens used by
// the auth engine. Access tokens carry the user, session, device and
// role claims needed to authorize a request without touching Redis.
//
// # What this package must NOT do
//
//   - Reach into Redis. Signature and claim checks are pure CPU work;
//     session liveness is the engine's concern, not this package's.
//   - Mint refresh material. Refresh tokens are opaque secrets owned by
//     the session store, never JWTs.
//   - Accept unsigned or mixed-algorithm tokens. The parser pins the
//     configured algorithm and rejects everything else.
package jwt
