package authstate

import (
	"context"

	"github.com/revlin/authstate/credstore"
)

// runEventPump consumes backend push events for the lifetime of the
// reconciler. The channel is owned by the backend; a closed channel just
// ends the pump.
func (r *Reconciler) runEventPump(ctx context.Context, events <-chan Event) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Reconciler) handleEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case SignedOutEvent:
		if !r.eventForCurrentUser(e.UserID) {
			r.metricInc(MetricEventIgnored)
			return
		}
		// A remote sign-out wins over local state unconditionally.
		reason := "remote sign-out"
		if e.AllSessions {
			reason = "all sessions invalidated"
		}
		r.forceInvalidate(ctx, reason)

	case TokenRefreshedEvent:
		if !r.eventForCurrentUser(e.UserID) {
			r.metricInc(MetricEventIgnored)
			return
		}
		// Another client rotated the account's material. Our stored refresh
		// token may be spent; re-validate the session token and let the
		// verdict decide.
		r.revalidateAfterRemoteRefresh(ctx)

	case SignedInEvent:
		// Advisory only.
		r.log.Debug().Str("user_id", e.UserID).Msg("account signed in on another client")

	default:
		r.metricInc(MetricEventIgnored)
	}
}

// eventForCurrentUser reports whether a push event targets the currently
// authenticated account. Events for other accounts are ignored, not applied.
func (r *Reconciler) eventForCurrentUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusAuthenticated || r.identity == nil {
		return false
	}
	return r.identity.UserID == userID
}

func (r *Reconciler) revalidateAfterRemoteRefresh(ctx context.Context) {
	r.mu.Lock()
	if r.status != StatusAuthenticated || r.mode != credstore.ModeSession || r.session == nil {
		r.mu.Unlock()
		return
	}
	sessionToken := r.session.SessionToken
	r.mu.Unlock()

	live := r.validator.Validate(ctx, sessionToken)
	if !live.Valid {
		r.forceInvalidate(ctx, "session superseded by remote refresh")
	}
}
