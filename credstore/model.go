package credstore

import (
	"errors"
	"time"
)

// Mode selects which credential representation a persisted record carries.
// At most one representation is active at a time.
type Mode uint8

const (
	// ModeNone marks an absent record. Never persisted.
	ModeNone Mode = iota
	// ModeSession marks a backend-validated session.
	ModeSession
	// ModeLocal marks a client-issued token pair with no backend check.
	ModeLocal
)

// Session is the authoritative record of a logged-in principal.
//
// Session instances are value snapshots: the store owns the persisted copy,
// and every Load returns a fresh decode of it.
type Session struct {
	SessionToken string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
}

// Expired reports whether the session must no longer be presented to the
// backend as live.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenPair is the locally issued credential variant used when no
// backend-validated session exists. Expiry is a millisecond epoch and
// validity is determined purely client-side.
type TokenPair struct {
	SessionToken    string
	RefreshToken    string
	ExpiresAtMillis int64
	UserID          string
}

// Expired reports whether the local pair has passed its client-side expiry.
func (p *TokenPair) Expired(now time.Time) bool {
	return now.UnixMilli() >= p.ExpiresAtMillis
}

// Record is the unit of persistence: exactly one of Session or Local is set,
// selected by Mode.
type Record struct {
	Mode    Mode
	Session *Session
	Local   *TokenPair
}

var (
	// ErrCorruptRecord is returned by Load when a persisted record is
	// partially present or fails to parse. Callers treat it as absent state
	// and proactively clear the store.
	ErrCorruptRecord = errors.New("credential record corrupt")

	// ErrStoreUnavailable wraps transport failures against the persistence
	// medium.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrInvalidRecord is returned by Save when a record violates the model
	// invariants (equal tokens, missing fields, mode mismatch).
	ErrInvalidRecord = errors.New("credential record invalid")
)

func (r *Record) validate() error {
	if r == nil {
		return ErrInvalidRecord
	}

	switch r.Mode {
	case ModeSession:
		s := r.Session
		if s == nil || r.Local != nil {
			return ErrInvalidRecord
		}
		if s.SessionToken == "" || s.RefreshToken == "" || s.UserID == "" {
			return ErrInvalidRecord
		}
		if s.SessionToken == s.RefreshToken {
			return ErrInvalidRecord
		}
		if s.ExpiresAt.IsZero() {
			return ErrInvalidRecord
		}
		return nil
	case ModeLocal:
		p := r.Local
		if p == nil || r.Session != nil {
			return ErrInvalidRecord
		}
		if p.SessionToken == "" || p.RefreshToken == "" || p.UserID == "" {
			return ErrInvalidRecord
		}
		if p.SessionToken == p.RefreshToken {
			return ErrInvalidRecord
		}
		if p.ExpiresAtMillis <= 0 {
			return ErrInvalidRecord
		}
		return nil
	default:
		return ErrInvalidRecord
	}
}
