// Package audit implements async event dispatching for session lifecycle
// operations (login, refresh, logout, invalidation).
//
// # Components
//
//   - [Sink] — interface for event consumers (channel, JSON writer, no-op).
//   - [Dispatcher] — buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event] — structured lifecycle record with timestamp, type, user, state, metadata.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which
// events to emit — that responsibility belongs to the reconciler.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authstate or any sibling internal package.
//   - Carry token material in event payloads.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
