// Package token implements generation and structural validation of the opaque
// bearer credentials used by the session lifecycle core.
//
// # Token format
//
// Hex-encoded strings carrying 256 bits of entropy each, drawn from
// crypto/rand. Session and refresh tokens share the same shape but are
// generated independently; the two halves of a [Pair] are never derived from
// one another.
//
// # Architecture boundaries
//
// This package owns token generation and syntactic validation. Liveness,
// expiry, rotation, and persistence are handled by the validator, refresher,
// and credential store.
//
// # What this package must NOT do
//
//   - Access Redis, the backend, or any I/O beyond the random source.
//   - Import authstate or credstore.
//   - Fall back to a non-cryptographic random source for any reason.
package token
