package authstate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/revlin/authstate/token"
)

// Validator defines a public type used by authstate APIs.
//
// Validator instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Validator struct {
	backend Backend
	metrics *Metrics
	log     zerolog.Logger
}

// NewValidator describes the newvalidator operation and its observable behavior.
//
// NewValidator may return an error when input validation, dependency calls, or security checks fail.
// NewValidator does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewValidator(backend Backend, metrics *Metrics, log zerolog.Logger) *Validator {
	return &Validator{
		backend: backend,
		metrics: metrics,
		log:     log,
	}
}

// Validate resolves a session token to a liveness verdict. Every failure
// mode collapses to Valid=false: malformed tokens never reach the backend,
// and a backend error or timeout is indistinguishable from an explicit
// rejection. A false verdict carries no user or expiry information.
func (v *Validator) Validate(ctx context.Context, sessionToken string) Liveness {
	if !token.IsValidFormat(sessionToken) {
		return Liveness{}
	}

	start := time.Now()
	live, err := v.backend.CheckLiveness(ctx, sessionToken)
	v.metrics.Observe(MetricValidateLatency, time.Since(start))

	if err != nil {
		v.metrics.Inc(MetricValidateFailClosed)
		v.log.Warn().Err(err).Msg("liveness check failed, treating session as invalid")
		return Liveness{}
	}
	if !live.Valid {
		return Liveness{}
	}
	return live
}

// IsExpired reports whether a stored expiry instant has passed. The boundary
// instant itself counts as expired.
func IsExpired(expiresAt, now time.Time) bool {
	return !expiresAt.After(now)
}

// NeedsRefresh reports whether a session is inside the proactive rotation
// window: still live, but within `window` of expiry.
func NeedsRefresh(expiresAt, now time.Time, window time.Duration) bool {
	if IsExpired(expiresAt, now) {
		return false
	}
	return !now.Add(window).Before(expiresAt)
}
