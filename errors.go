package authstate

import "errors"

var (
	// ErrCredentialRejected is an exported constant or variable used by the session lifecycle core.
	// It is the only error kind intended to surface as an actionable user-facing message.
	ErrCredentialRejected = errors.New("credentials rejected")
	// ErrSessionInvalid is an exported constant or variable used by the session lifecycle core.
	ErrSessionInvalid = errors.New("session not live")
	// ErrRefreshFailed is an exported constant or variable used by the session lifecycle core.
	ErrRefreshFailed = errors.New("refresh exchange failed")
	// ErrValidationTimeout is an exported constant or variable used by the session lifecycle core.
	// A timed-out validation is treated identically to an explicit invalid response.
	ErrValidationTimeout = errors.New("validation timed out")
	// ErrNotAuthenticated is an exported constant or variable used by the session lifecycle core.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrLocalModeDisabled is an exported constant or variable used by the session lifecycle core.
	ErrLocalModeDisabled = errors.New("local token mode disabled")
	// ErrReconcilerClosed is an exported constant or variable used by the session lifecycle core.
	ErrReconcilerClosed = errors.New("reconciler closed")
	// ErrReconcilerNotReady is an exported constant or variable used by the session lifecycle core.
	ErrReconcilerNotReady = errors.New("reconciler not initialized")
)

// errStaleResult marks a late-arriving operation result whose originating
// session has since been cleared or replaced. Discarded, never applied.
var errStaleResult = errors.New("stale operation result")
