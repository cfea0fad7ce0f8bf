package authstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/revlin/authstate/credstore"
	"github.com/revlin/authstate/internal/audit"
)

// Reconciler defines a public type used by authstate APIs.
//
// Reconciler instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
//
// The Reconciler is the single writer of the credential store and the single
// owner of the authentication state machine. All derived state observed
// through [Reconciler.AuthState] is recomputed from the current machine
// position, never cached by consumers.
type Reconciler struct {
	config    Config
	store     *credstore.Store
	backend   Backend
	validator *Validator
	refresher *Refresher
	audit     *audit.Dispatcher
	metrics   *Metrics
	log       zerolog.Logger

	// authMu serializes imperative lifecycle operations (login, register,
	// logout, credential change, local sign-in, resume). Background refresh
	// and validation never take it; they are fenced by the epoch instead.
	authMu sync.Mutex

	// mu guards the machine position and the credential store writes, which
	// keeps store contents and in-memory state in lockstep.
	mu       sync.Mutex
	status   Status
	mode     credstore.Mode
	session  *credstore.Session
	local    *credstore.TokenPair
	identity *Identity
	// epoch increments on every committed store write or clear. In-flight
	// operations capture it at start; a mismatch at commit time means the
	// result is stale and must be discarded, not applied.
	epoch uint64

	listeners  []listenerEntry
	nextListID uint64

	timerCancel context.CancelFunc

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Close stops background goroutines and flushes the audit dispatcher. It does
// not clear stored credentials; a later Start resumes from them.
func (r *Reconciler) Close() {
	if r == nil {
		return
	}
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	if r.runStop != nil {
		r.runStop()
	}
	r.mu.Lock()
	r.stopRefreshTimerLocked()
	r.mu.Unlock()
	r.wg.Wait()
	if r.audit != nil {
		r.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped may return an error when input validation, dependency calls, or security checks fail.
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (r *Reconciler) AuditDropped() uint64 {
	if r == nil || r.audit == nil {
		return 0
	}
	return r.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot may return an error when input validation, dependency calls, or security checks fail.
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (r *Reconciler) MetricsSnapshot() MetricsSnapshot {
	if r == nil || r.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return r.metrics.Snapshot()
}

func (r *Reconciler) metricInc(id MetricID) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Inc(id)
}

// Status returns the current state machine position.
func (r *Reconciler) Status() Status {
	if r == nil {
		return StatusUnauthenticated
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// AuthState returns the derived consumer view of the current position. It is
// a synchronous read with no I/O. The invalidating position is reported
// identically to unauthenticated: consumers never observe it as a distinct
// state.
func (r *Reconciler) AuthState() AuthState {
	if r == nil {
		return AuthState{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deriveStateLocked()
}

func (r *Reconciler) deriveStateLocked() AuthState {
	switch r.status {
	case StatusAuthenticating:
		return AuthState{Loading: true}
	case StatusAuthenticated:
		return AuthState{Authenticated: true, Identity: r.identity}
	default:
		// Unauthenticated and invalidating collapse to the same view.
		return AuthState{}
	}
}

// Subscribe registers a listener for every subsequent AuthState transition
// and returns its unsubscribe function. The current state is not replayed;
// call [Reconciler.AuthState] for it.
func (r *Reconciler) Subscribe(fn Listener) func() {
	if r == nil || fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextListID++
	id := r.nextListID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.listeners {
			if e.id == id {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// notify delivers the given state to all listeners in subscription order.
// Callers must not hold mu.
func (r *Reconciler) notify(st AuthState) {
	r.mu.Lock()
	entries := make([]listenerEntry, len(r.listeners))
	copy(entries, r.listeners)
	r.mu.Unlock()

	for _, e := range entries {
		e.fn(st)
	}
}

// SessionToken returns the current session token for backend calls made by
// the embedding application. An expired token is never handed out.
func (r *Reconciler) SessionToken() (string, error) {
	if r == nil {
		return "", ErrReconcilerNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusAuthenticated {
		return "", ErrNotAuthenticated
	}
	now := time.Now()
	switch r.mode {
	case credstore.ModeSession:
		if r.session == nil || r.session.Expired(now) {
			return "", ErrSessionInvalid
		}
		return r.session.SessionToken, nil
	case credstore.ModeLocal:
		if r.local == nil || r.local.Expired(now) {
			return "", ErrSessionInvalid
		}
		return r.local.SessionToken, nil
	default:
		return "", ErrNotAuthenticated
	}
}

// Start loads persisted credentials, resolves them to a definitive initial
// state, and launches the background refresh and event goroutines. It blocks
// until the initial state is known; the startup validation race is bounded by
// Session.StartupValidateTimeout and resolves fail-closed.
func (r *Reconciler) Start(ctx context.Context) error {
	if r == nil {
		return ErrReconcilerNotReady
	}
	if r.closed.Load() {
		return ErrReconcilerClosed
	}
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("reconciler already started")
	}

	r.runCtx, r.runStop = context.WithCancel(context.Background())

	if r.backend != nil {
		if events := r.backend.Events(); events != nil {
			r.wg.Add(1)
			go r.runEventPump(r.runCtx, events)
		}
	}

	r.authMu.Lock()
	defer r.authMu.Unlock()
	return r.resume(ctx)
}

func (r *Reconciler) resume(ctx context.Context) error {
	rec, err := r.store.Load(ctx)
	switch {
	case errors.Is(err, credstore.ErrCorruptRecord):
		r.metricInc(MetricStoreCorruption)
		r.log.Warn().Err(err).Msg("stored credentials corrupt, discarding")
		r.clearLocal(ctx)
		r.emitAudit(ctx, auditEventStoreCorruption, false, "", err, nil)
		r.notify(AuthState{})
		return nil
	case err != nil:
		// Store unreachable: resolve fail-closed without destroying the
		// record, a later restart may still resume from it.
		r.log.Warn().Err(err).Msg("credential store unreachable at startup")
		r.setStatus(StatusUnauthenticated)
		r.notify(AuthState{})
		return nil
	case rec == nil:
		r.setStatus(StatusUnauthenticated)
		r.notify(AuthState{})
		return nil
	}

	switch rec.Mode {
	case credstore.ModeLocal:
		return r.resumeLocal(ctx, rec.Local)
	case credstore.ModeSession:
		return r.resumeSession(ctx, rec.Session)
	default:
		r.metricInc(MetricStoreCorruption)
		r.clearLocal(ctx)
		r.notify(AuthState{})
		return nil
	}
}

func (r *Reconciler) resumeLocal(ctx context.Context, tp *credstore.TokenPair) error {
	if !r.config.Local.Enabled || tp == nil || tp.Expired(time.Now()) {
		r.metricInc(MetricSessionInvalidated)
		r.clearLocal(ctx)
		r.notify(AuthState{})
		return nil
	}

	ident := &Identity{UserID: tp.UserID}
	r.mu.Lock()
	r.status = StatusAuthenticated
	r.mode = credstore.ModeLocal
	r.local = tp
	r.identity = ident
	st := r.deriveStateLocked()
	r.mu.Unlock()

	r.metricInc(MetricSessionResumed)
	r.emitAudit(ctx, auditEventSessionResumed, true, tp.UserID, nil, func() map[string]string {
		return map[string]string{"mode": "local"}
	})
	r.notify(st)
	return nil
}

func (r *Reconciler) resumeSession(ctx context.Context, sess *credstore.Session) error {
	if sess == nil {
		r.clearLocal(ctx)
		r.notify(AuthState{})
		return nil
	}

	// An expired session token is never presented to the backend. The
	// refresh token may still be good, so rotation is attempted instead.
	if sess.Expired(time.Now()) {
		return r.resumeViaRefresh(ctx, sess)
	}

	r.setStatus(StatusAuthenticating)
	r.notify(AuthState{Loading: true})

	vctx, cancel := context.WithTimeout(ctx, r.config.Session.StartupValidateTimeout)
	defer cancel()

	live := r.validator.Validate(vctx, sess.SessionToken)
	if !live.Valid {
		cause := ErrSessionInvalid
		if errors.Is(vctx.Err(), context.DeadlineExceeded) {
			cause = ErrValidationTimeout
		}
		r.metricInc(MetricSessionInvalidated)
		r.clearLocal(ctx)
		r.emitAudit(ctx, auditEventSessionInvalid, false, sess.UserID, cause, func() map[string]string {
			return map[string]string{"phase": "startup"}
		})
		r.notify(AuthState{})
		return nil
	}

	ident, err := r.fetchIdentity(vctx, live.UserID)
	if err != nil {
		r.metricInc(MetricSessionInvalidated)
		r.clearLocal(ctx)
		r.emitAudit(ctx, auditEventSessionInvalid, false, live.UserID, err, func() map[string]string {
			return map[string]string{"phase": "startup_identity"}
		})
		r.notify(AuthState{})
		return nil
	}

	r.mu.Lock()
	r.status = StatusAuthenticated
	r.mode = credstore.ModeSession
	r.session = sess
	r.identity = ident
	r.startRefreshTimerLocked()
	st := r.deriveStateLocked()
	r.mu.Unlock()

	r.metricInc(MetricSessionResumed)
	r.emitAudit(ctx, auditEventSessionResumed, true, live.UserID, nil, func() map[string]string {
		return map[string]string{"mode": "session"}
	})
	r.notify(st)
	return nil
}

func (r *Reconciler) resumeViaRefresh(ctx context.Context, sess *credstore.Session) error {
	r.setStatus(StatusAuthenticating)
	r.notify(AuthState{Loading: true})

	rctx, cancel := context.WithTimeout(ctx, r.config.Session.StartupValidateTimeout)
	defer cancel()

	r.mu.Lock()
	captured := r.epoch
	r.mu.Unlock()

	fresh, err := r.refresher.Refresh(rctx, sess.RefreshToken, r.persistRotated(captured))
	if err != nil {
		r.metricInc(MetricSessionInvalidated)
		r.clearLocal(ctx)
		r.emitAudit(ctx, auditEventSessionInvalid, false, sess.UserID, err, func() map[string]string {
			return map[string]string{"phase": "startup_refresh"}
		})
		r.notify(AuthState{})
		return nil
	}

	ident, err := r.fetchIdentity(rctx, fresh.UserID)
	if err != nil {
		r.metricInc(MetricSessionInvalidated)
		r.clearLocal(ctx)
		r.emitAudit(ctx, auditEventSessionInvalid, false, fresh.UserID, err, func() map[string]string {
			return map[string]string{"phase": "startup_identity"}
		})
		r.notify(AuthState{})
		return nil
	}

	r.mu.Lock()
	r.status = StatusAuthenticated
	r.mode = credstore.ModeSession
	r.identity = ident
	r.startRefreshTimerLocked()
	st := r.deriveStateLocked()
	r.mu.Unlock()

	r.metricInc(MetricSessionResumed)
	r.emitAudit(ctx, auditEventSessionResumed, true, fresh.UserID, nil, func() map[string]string {
		return map[string]string{"mode": "session", "via": "refresh"}
	})
	r.notify(st)
	return nil
}

// fetchIdentity resolves the full profile. A positive liveness verdict alone
// does not finish authentication: a failed fetch fails the transition and the
// caller discards the session.
func (r *Reconciler) fetchIdentity(ctx context.Context, userID string) (*Identity, error) {
	ident, err := r.backend.FetchIdentity(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("identity fetch failed")
		return nil, fmt.Errorf("identity fetch: %w", err)
	}
	if ident == nil {
		return nil, errors.New("identity fetch: backend returned no identity")
	}
	return ident, nil
}

// CheckSession validates the current credentials against their source of
// truth and returns the verdict. A definitive invalid verdict tears down the
// session (fail closed); a session inside the refresh window is rotated
// before returning. Calls while unauthenticated return ErrNotAuthenticated.
func (r *Reconciler) CheckSession(ctx context.Context) (Liveness, error) {
	if r == nil {
		return Liveness{}, ErrReconcilerNotReady
	}
	if r.closed.Load() {
		return Liveness{}, ErrReconcilerClosed
	}

	r.mu.Lock()
	status := r.status
	mode := r.mode
	sess := r.session
	local := r.local
	r.mu.Unlock()

	if status != StatusAuthenticated {
		return Liveness{}, ErrNotAuthenticated
	}

	now := time.Now()
	switch mode {
	case credstore.ModeLocal:
		if local == nil || local.Expired(now) {
			r.forceInvalidate(ctx, "local token expired")
			return Liveness{}, ErrSessionInvalid
		}
		return Liveness{
			Valid:     true,
			UserID:    local.UserID,
			ExpiresAt: time.UnixMilli(local.ExpiresAtMillis),
		}, nil

	case credstore.ModeSession:
		if sess == nil {
			return Liveness{}, ErrNotAuthenticated
		}
		if sess.Expired(now) {
			r.forceInvalidate(ctx, "session expired")
			return Liveness{}, ErrSessionInvalid
		}

		live := r.validator.Validate(ctx, sess.SessionToken)
		if !live.Valid {
			r.forceInvalidate(ctx, "liveness check negative")
			return Liveness{}, ErrSessionInvalid
		}

		expiresAt := live.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = sess.ExpiresAt
		}
		if NeedsRefresh(expiresAt, now, r.config.Session.RefreshWindow) {
			if _, err := r.refreshNow(ctx); err != nil &&
				!errors.Is(err, errStaleResult) && !errors.Is(err, ErrNotAuthenticated) {
				// A rejected rotation spends the refresh token; the session
				// cannot be kept alive once that happens.
				r.forceInvalidate(ctx, "refresh rejected")
				return Liveness{}, ErrSessionInvalid
			}
		}
		return live, nil

	default:
		return Liveness{}, ErrNotAuthenticated
	}
}

// refreshNow rotates the current session's token material. It is safe to call
// concurrently: callers holding the same refresh token coalesce onto one
// backend exchange.
func (r *Reconciler) refreshNow(ctx context.Context) (*credstore.Session, error) {
	r.mu.Lock()
	if r.status != StatusAuthenticated || r.mode != credstore.ModeSession || r.session == nil {
		r.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	refreshToken := r.session.RefreshToken
	userID := r.session.UserID
	captured := r.epoch
	r.mu.Unlock()

	fresh, err := r.refresher.Refresh(ctx, refreshToken, r.persistRotated(captured))
	if err != nil {
		if errors.Is(err, ErrRefreshFailed) {
			r.emitAudit(ctx, auditEventRefreshFailure, false, userID, err, nil)
		}
		return nil, err
	}
	r.emitAudit(ctx, auditEventRefreshSuccess, true, fresh.UserID, nil, nil)
	return fresh, nil
}

// persistRotated returns the persist hook handed to the refresher. The epoch
// captured before the exchange fences out results that arrive after a logout
// or a competing rotation: they are discarded, never applied.
func (r *Reconciler) persistRotated(captured uint64) persistFunc {
	return func(ctx context.Context, sess *credstore.Session) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		// Authenticating covers the startup resume-via-refresh path; any
		// other position means the session was torn down underneath us.
		if r.epoch != captured ||
			(r.status != StatusAuthenticated && r.status != StatusAuthenticating) {
			r.metricInc(MetricStaleResultDiscarded)
			return errStaleResult
		}

		rec := &credstore.Record{Mode: credstore.ModeSession, Session: sess}
		if err := r.store.Save(ctx, rec); err != nil {
			return err
		}
		r.epoch++
		r.session = sess
		return nil
	}
}

// forceInvalidate tears the session down after a definitive invalid verdict:
// remote sign-out event, failed liveness check, or local expiry. The machine
// passes through the invalidating position without broadcasting it.
func (r *Reconciler) forceInvalidate(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.status != StatusAuthenticated && r.status != StatusAuthenticating {
		r.mu.Unlock()
		return
	}
	r.status = StatusInvalidating
	userID := ""
	if r.identity != nil {
		userID = r.identity.UserID
	}
	r.stopRefreshTimerLocked()
	r.epoch++
	r.session = nil
	r.local = nil
	r.identity = nil
	r.mode = credstore.ModeNone
	if err := r.store.Clear(ctx); err != nil {
		r.log.Error().Err(err).Msg("credential clear failed during invalidation")
	}
	r.status = StatusUnauthenticated
	r.mu.Unlock()

	r.metricInc(MetricSessionInvalidated)
	r.log.Info().Str("reason", reason).Msg("session invalidated")
	r.emitAudit(ctx, auditEventSessionInvalid, true, userID, nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	r.notify(AuthState{})
}

// clearLocal wipes in-memory and persisted credentials without emitting a
// state notification; callers decide what to broadcast.
func (r *Reconciler) clearLocal(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRefreshTimerLocked()
	r.epoch++
	r.session = nil
	r.local = nil
	r.identity = nil
	r.mode = credstore.ModeNone
	r.status = StatusUnauthenticated
	if err := r.store.Clear(ctx); err != nil {
		r.log.Error().Err(err).Msg("credential clear failed")
	}
}

func (r *Reconciler) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Reconciler) startRefreshTimerLocked() {
	r.stopRefreshTimerLocked()
	if r.runCtx == nil {
		return
	}
	ctx, cancel := context.WithCancel(r.runCtx)
	r.timerCancel = cancel
	r.wg.Add(1)
	go r.runRefreshTimer(ctx)
}

func (r *Reconciler) stopRefreshTimerLocked() {
	if r.timerCancel != nil {
		r.timerCancel()
		r.timerCancel = nil
	}
}

func (r *Reconciler) runRefreshTimer(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Refresh.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.refreshNow(ctx); err != nil {
				if errors.Is(err, errStaleResult) || errors.Is(err, ErrNotAuthenticated) {
					return
				}
				// A failed rotation is not recoverable: the refresh token is
				// spent or unusable, so the session is torn down rather than
				// silently retried.
				r.forceInvalidate(ctx, "refresh rejected")
				return
			}
		}
	}
}
