// Package authstate provides the session and credential lifecycle core for a
// client application talking to a remote identity backend: opaque token
// issuance, persisted credential storage, liveness validation, single-flight
// refresh rotation, and one authoritative authentication state machine.
//
// The package is designed for concurrent client workloads: Reconciler methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authstate is the public surface. It exposes [Reconciler], [Builder],
// [Config], the [Backend] contract, and value types (AuthState, Identity,
// Liveness). Token generation lives in token/, persistence in credstore/,
// and observability plumbing under internal/ and metrics/export/.
//
// # What this package must NOT do
//
//   - Write to the credential store from any path other than the Reconciler's
//     login/refresh/logout logic (single-writer discipline).
//   - Present an expired session token to the backend as live.
//   - Treat an uncertain validation outcome as authenticated; every failure
//     mode resolves to the unauthenticated state (fail closed).
//
// # Performance contract
//
// AuthState is the hot path: a synchronous read of derived state with no I/O.
// Login, refresh, validation, and identity fetches are allowed one backend
// round-trip each; refresh is additionally coalesced so that concurrent
// callers share a single exchange.
package authstate
