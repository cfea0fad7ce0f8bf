package authstate

import (
	"strconv"
	"time"
)

// Push event tags delivered by the backend's event channel. The set is
// closed: anything else is rejected by [ParseEvent].
const (
	// EventTypeSignedIn is an exported constant or variable used by the session lifecycle core.
	EventTypeSignedIn = "SIGNED_IN"
	// EventTypeSignedOut is an exported constant or variable used by the session lifecycle core.
	EventTypeSignedOut = "SIGNED_OUT"
	// EventTypeTokenRefreshed is an exported constant or variable used by the session lifecycle core.
	EventTypeTokenRefreshed = "TOKEN_REFRESHED"
)

// Event is the closed tagged-variant type for push notifications originating
// from other clients or administrative actions on the same account. The only
// implementations are [SignedInEvent], [SignedOutEvent], and
// [TokenRefreshedEvent].
type Event interface {
	isEvent()
}

// SignedInEvent reports that the account signed in on another client.
// Advisory only; it never changes local state.
type SignedInEvent struct {
	UserID string
}

// SignedOutEvent reports that the account was signed out remotely: explicit
// sign-out elsewhere, password reset, role change, or account deletion.
// AllSessions marks the administrative invalidate-all variant.
type SignedOutEvent struct {
	UserID      string
	AllSessions bool
}

// TokenRefreshedEvent reports that another client rotated the account's
// token material.
type TokenRefreshedEvent struct {
	UserID    string
	ExpiresAt time.Time
}

func (SignedInEvent) isEvent()       {}
func (SignedOutEvent) isEvent()      {}
func (TokenRefreshedEvent) isEvent() {}

// ParseEvent maps a loosely typed push payload onto the closed variant set.
// Unknown tags and payloads missing a user id report ok=false and are
// ignored by the reconciler rather than guessed at.
func ParseEvent(kind string, payload map[string]string) (Event, bool) {
	userID := payload["user_id"]
	if userID == "" {
		return nil, false
	}

	switch kind {
	case EventTypeSignedIn:
		return SignedInEvent{UserID: userID}, true
	case EventTypeSignedOut:
		all := payload["all_sessions"] == "true"
		return SignedOutEvent{UserID: userID, AllSessions: all}, true
	case EventTypeTokenRefreshed:
		ev := TokenRefreshedEvent{UserID: userID}
		if raw := payload["expires_at"]; raw != "" {
			unix, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, false
			}
			ev.ExpiresAt = time.Unix(unix, 0)
		}
		return ev, true
	default:
		return nil, false
	}
}
