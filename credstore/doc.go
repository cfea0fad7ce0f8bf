// Package credstore implements the persisted credential store: the single
// device/profile-scoped record holding the active session or local token pair.
//
// # Persisted layout
//
// One Redis hash per profile containing scalar fields for the session token,
// refresh token, absolute expiry, user id, and the mode flag. The group is
// written and cleared atomically; a partially present or unparseable record
// is reported as [ErrCorruptRecord] and never repaired by guessing.
//
// # Architecture boundaries
//
// This package owns persistence and the Session/TokenPair data model.
// Ownership of writes belongs to the reconciler: it is the only logic path
// permitted to call Save and Clear. All other components read.
//
// # What this package must NOT do
//
//   - Call the identity backend or perform liveness checks.
//   - Retain a record past Clear, or leak fields into a later session.
//   - Decide state transitions; it reports what is persisted, nothing more.
package credstore
