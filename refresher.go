package authstate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/revlin/authstate/credstore"
	"github.com/revlin/authstate/token"
)

// persistFunc commits a freshly rotated session to the credential store.
// The store owner supplies it so that the single-writer discipline and
// staleness checks stay in one place; it returns errStaleResult when the
// originating session was cleared or replaced while the exchange was in
// flight.
type persistFunc func(ctx context.Context, sess *credstore.Session) error

// Refresher rotates token material against the backend with single-flight
// coalescing: concurrent refresh requests for the same refresh token share
// one exchange, one persisted result, and one error.
type Refresher struct {
	backend Backend
	metrics *Metrics
	log     zerolog.Logger
	group   singleflight.Group
}

// NewRefresher describes the newrefresher operation and its observable behavior.
//
// NewRefresher may return an error when input validation, dependency calls, or security checks fail.
// NewRefresher does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewRefresher(backend Backend, metrics *Metrics, log zerolog.Logger) *Refresher {
	return &Refresher{
		backend: backend,
		metrics: metrics,
		log:     log,
	}
}

// Refresh exchanges a refresh token for new session material and persists it
// through the supplied persist hook before any caller observes the result.
// The old refresh token is dead on success: the backend invalidates it before
// the exchange returns. Followers that coalesce onto an in-flight exchange
// receive the leader's outcome unchanged.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string, persist persistFunc) (*credstore.Session, error) {
	v, err, shared := r.group.Do(refreshToken, func() (interface{}, error) {
		return r.exchange(ctx, refreshToken, persist)
	})
	if shared {
		r.metrics.Inc(MetricRefreshCoalesced)
	}
	if err != nil {
		return nil, err
	}
	return v.(*credstore.Session), nil
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string, persist persistFunc) (*credstore.Session, error) {
	candidate, err := token.GeneratePair()
	if err != nil {
		r.metrics.Inc(MetricRefreshFailure)
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	sess, err := r.backend.ExchangeRefreshToken(ctx, refreshToken, candidate)
	if err != nil {
		r.metrics.Inc(MetricRefreshFailure)
		r.log.Warn().Err(err).Msg("refresh exchange rejected")
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if sess == nil {
		r.metrics.Inc(MetricRefreshFailure)
		return nil, fmt.Errorf("%w: backend returned no session", ErrRefreshFailed)
	}
	// Rotation must produce new material; a backend echoing the spent
	// refresh token back would leave a replayable credential alive.
	if sess.RefreshToken == refreshToken || sess.SessionToken == refreshToken {
		r.metrics.Inc(MetricRefreshFailure)
		return nil, fmt.Errorf("%w: backend reused spent token material", ErrRefreshFailed)
	}

	if err := persist(ctx, sess); err != nil {
		return nil, err
	}

	r.metrics.Inc(MetricRefreshSuccess)
	return sess, nil
}
