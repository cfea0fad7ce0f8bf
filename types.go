package authstate

import (
	"context"
	"io"
	"time"

	"github.com/revlin/authstate/credstore"
	"github.com/revlin/authstate/internal/audit"
	"github.com/revlin/authstate/token"
)

// Status represents the reconciler's position in the authentication state
// machine.
type Status uint8

const (
	// StatusUnauthenticated is an exported constant or variable used by the session lifecycle core.
	StatusUnauthenticated Status = iota
	// StatusAuthenticating is an exported constant or variable used by the session lifecycle core.
	StatusAuthenticating
	// StatusAuthenticated is an exported constant or variable used by the session lifecycle core.
	StatusAuthenticated
	// StatusInvalidating is an exported constant or variable used by the session lifecycle core.
	StatusInvalidating
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusInvalidating:
		return "invalidating"
	default:
		return "unknown"
	}
}

// Identity is the read-only projection of the authenticated principal.
// It is replaced wholesale on every re-validation and never partially
// mutated.
type Identity struct {
	UserID           string
	DisplayName      string
	Role             string
	TwoFactorEnabled bool
}

// AuthState is the derived view consumers observe: recomputed by the
// reconciler on every relevant event, never stored.
type AuthState struct {
	Authenticated bool
	Identity      *Identity
	Loading       bool
}

// Listener receives every AuthState transition. Listeners are invoked
// sequentially in subscription order and must not block.
type Listener func(AuthState)

// Liveness is the validator's verdict on a session token. A false Valid
// carries no user or expiry information.
type Liveness struct {
	Valid     bool
	UserID    string
	ExpiresAt time.Time
}

// RegisterRequest is the input for [Reconciler.Register].
type RegisterRequest struct {
	Identifier  string
	Secret      string
	DisplayName string
}

// Backend is the narrow contract against the remote identity/data backend.
// Implementations own credential verification, token liveness, one-time-use
// refresh enforcement, and the push event channel; this core never sees
// passwords hashes or wire formats.
//
// Error contract: ExchangeCredentials, RegisterAccount, and ChangeCredential
// return an error matching [ErrCredentialRejected] (via errors.Is) when the
// backend explicitly rejects the credential; any other error is treated as a
// transport failure. ExchangeRefreshToken must invalidate the old refresh
// token server-side before returning success, so a replayed token is rejected
// afterward.
type Backend interface {
	ExchangeCredentials(ctx context.Context, identifier, secret string) (*credstore.Session, error)
	RegisterAccount(ctx context.Context, req RegisterRequest) (*credstore.Session, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string, candidate token.Pair) (*credstore.Session, error)
	CheckLiveness(ctx context.Context, sessionToken string) (Liveness, error)
	FetchIdentity(ctx context.Context, userID string) (*Identity, error)
	ChangeCredential(ctx context.Context, sessionToken, oldSecret, newSecret string) error
	SignOut(ctx context.Context, sessionToken string) error
	InvalidateAllSessions(ctx context.Context, userID string) error
	Events() <-chan Event
}

// AuditEvent is a structured lifecycle record emitted by the reconciler.
type AuditEvent = audit.Event

// AuditSink receives [AuditEvent] values from the reconciler's dispatcher.
type AuditSink = audit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = audit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = audit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}
