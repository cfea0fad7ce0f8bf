package authstate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/revlin/authstate/credstore"
	"github.com/revlin/authstate/token"
)

// Login exchanges credentials for a validated session and transitions the
// machine to authenticated. A rejection surfaces as [ErrCredentialRejected];
// any other failure leaves the machine unauthenticated with the previous
// credentials cleared. Calling Login while already authenticated replaces
// the existing session.
func (r *Reconciler) Login(ctx context.Context, identifier, secret string) error {
	if err := r.ready(); err != nil {
		return err
	}

	r.authMu.Lock()
	defer r.authMu.Unlock()

	r.clearLocal(ctx)
	r.setStatus(StatusAuthenticating)
	r.notify(AuthState{Loading: true})

	sess, err := r.backend.ExchangeCredentials(ctx, identifier, secret)
	if err != nil {
		r.setStatus(StatusUnauthenticated)
		r.metricInc(MetricLoginFailure)
		r.emitAudit(ctx, auditEventLoginFailure, false, "", err, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		r.notify(AuthState{})
		return err
	}

	if err := r.commitSession(ctx, sess); err != nil {
		r.metricInc(MetricLoginFailure)
		r.emitAudit(ctx, auditEventLoginFailure, false, sess.UserID, err, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return err
	}

	r.metricInc(MetricLoginSuccess)
	r.emitAudit(ctx, auditEventLoginSuccess, true, sess.UserID, nil, func() map[string]string {
		return map[string]string{"identifier": identifier}
	})
	return nil
}

// Register creates an account and signs it in atomically from the caller's
// perspective: a successful registration always ends authenticated.
func (r *Reconciler) Register(ctx context.Context, req RegisterRequest) error {
	if err := r.ready(); err != nil {
		return err
	}

	r.authMu.Lock()
	defer r.authMu.Unlock()

	r.clearLocal(ctx)
	r.setStatus(StatusAuthenticating)
	r.notify(AuthState{Loading: true})

	sess, err := r.backend.RegisterAccount(ctx, req)
	if err != nil {
		r.setStatus(StatusUnauthenticated)
		r.metricInc(MetricRegisterFailure)
		r.emitAudit(ctx, auditEventRegisterFailure, false, "", err, func() map[string]string {
			return map[string]string{"identifier": req.Identifier}
		})
		r.notify(AuthState{})
		return err
	}

	if err := r.commitSession(ctx, sess); err != nil {
		r.metricInc(MetricRegisterFailure)
		r.emitAudit(ctx, auditEventRegisterFailure, false, sess.UserID, err, func() map[string]string {
			return map[string]string{"identifier": req.Identifier}
		})
		return err
	}

	r.metricInc(MetricRegisterSuccess)
	r.emitAudit(ctx, auditEventRegisterSuccess, true, sess.UserID, nil, func() map[string]string {
		return map[string]string{"identifier": req.Identifier}
	})
	return nil
}

// commitSession persists the session and moves the machine to authenticated.
// An identity-fetch failure fails the whole transition: the partially
// established session is discarded and the machine resolves unauthenticated.
// Callers hold authMu.
func (r *Reconciler) commitSession(ctx context.Context, sess *credstore.Session) error {
	ident, err := r.fetchIdentity(ctx, sess.UserID)
	if err != nil {
		r.clearLocal(ctx)
		r.notify(AuthState{})
		return err
	}

	r.mu.Lock()
	rec := &credstore.Record{Mode: credstore.ModeSession, Session: sess}
	if err := r.store.Save(ctx, rec); err != nil {
		// Authenticated remotely but not persisted: stay signed in for this
		// process lifetime, the session just will not survive a restart.
		r.log.Error().Err(err).Msg("credential persist failed, session will not survive restart")
	}
	r.epoch++
	r.status = StatusAuthenticated
	r.mode = credstore.ModeSession
	r.session = sess
	r.local = nil
	r.identity = ident
	r.startRefreshTimerLocked()
	st := r.deriveStateLocked()
	r.mu.Unlock()

	r.notify(st)
	return nil
}

// Logout clears local credentials and broadcasts unauthenticated immediately,
// then notifies the backend best-effort in the background. It is idempotent:
// logging out while unauthenticated is a no-op that still reports success.
func (r *Reconciler) Logout(ctx context.Context) error {
	if err := r.ready(); err != nil {
		return err
	}

	r.authMu.Lock()
	defer r.authMu.Unlock()

	r.mu.Lock()
	if r.status == StatusUnauthenticated {
		// Clearing again is harmless and keeps the store converged.
		if err := r.store.Clear(ctx); err != nil {
			r.log.Warn().Err(err).Msg("credential clear failed on idempotent logout")
		}
		r.mu.Unlock()
		return nil
	}

	sessionToken := ""
	userID := ""
	if r.mode == credstore.ModeSession && r.session != nil {
		sessionToken = r.session.SessionToken
	}
	if r.identity != nil {
		userID = r.identity.UserID
	}

	r.stopRefreshTimerLocked()
	r.epoch++
	r.session = nil
	r.local = nil
	r.identity = nil
	r.mode = credstore.ModeNone
	r.status = StatusUnauthenticated
	if err := r.store.Clear(ctx); err != nil {
		r.log.Error().Err(err).Msg("credential clear failed during logout")
	}
	r.mu.Unlock()

	r.metricInc(MetricLogout)
	r.emitAudit(ctx, auditEventLogout, true, userID, nil, nil)
	r.notify(AuthState{})

	if sessionToken != "" {
		r.wg.Add(1)
		go r.notifyRemoteSignOut(sessionToken, userID)
	}
	return nil
}

// notifyRemoteSignOut tells the backend the session is gone. Failures are
// logged and counted, never surfaced: the local state transition already
// happened and is not reversible by a network error.
func (r *Reconciler) notifyRemoteSignOut(sessionToken, userID string) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.SignOut.Timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.SignOut.InitialInterval
	bo.MaxInterval = r.config.SignOut.MaxInterval

	op := func() (struct{}, error) {
		return struct{}{}, r.backend.SignOut(ctx, sessionToken)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.config.SignOut.MaxTries),
	)
	if err != nil {
		r.metricInc(MetricSignOutNotifyFailed)
		r.log.Warn().Err(err).Msg("remote sign-out notification failed")
		r.emitAudit(ctx, auditEventRemoteSignOut, false, userID, err, nil)
		return
	}
	r.emitAudit(ctx, auditEventRemoteSignOut, true, userID, nil, nil)
}

// ChangeCredential rotates the account secret. On success every session for
// the account is invalidated, this client included: the caller lands in the
// unauthenticated state and must log in with the new secret.
func (r *Reconciler) ChangeCredential(ctx context.Context, oldSecret, newSecret string) error {
	if err := r.ready(); err != nil {
		return err
	}

	r.authMu.Lock()
	defer r.authMu.Unlock()

	r.mu.Lock()
	if r.status != StatusAuthenticated || r.mode != credstore.ModeSession || r.session == nil {
		r.mu.Unlock()
		return ErrNotAuthenticated
	}
	sessionToken := r.session.SessionToken
	userID := ""
	if r.identity != nil {
		userID = r.identity.UserID
	}
	r.mu.Unlock()

	if err := r.backend.ChangeCredential(ctx, sessionToken, oldSecret, newSecret); err != nil {
		r.emitAudit(ctx, auditEventCredentialChanged, false, userID, err, nil)
		return err
	}

	if err := r.backend.InvalidateAllSessions(ctx, userID); err != nil {
		// The backend already invalidates sessions on credential change in
		// most deployments; the explicit call is belt-and-braces.
		r.log.Warn().Err(err).Msg("invalidate-all after credential change failed")
	}

	r.clearLocal(ctx)
	r.metricInc(MetricCredentialChanged)
	r.emitAudit(ctx, auditEventCredentialChanged, true, userID, nil, nil)
	r.notify(AuthState{})
	return nil
}

// LocalSignIn establishes a reduced-trust local token pair without any
// backend involvement. Only available when Local.Enabled is set.
func (r *Reconciler) LocalSignIn(ctx context.Context, userID string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if !r.config.Local.Enabled {
		return ErrLocalModeDisabled
	}

	r.authMu.Lock()
	defer r.authMu.Unlock()

	pair, err := token.GeneratePair()
	if err != nil {
		return err
	}

	tp := &credstore.TokenPair{
		SessionToken:    pair.SessionToken,
		RefreshToken:    pair.RefreshToken,
		ExpiresAtMillis: time.Now().Add(r.config.Local.TTL).UnixMilli(),
		UserID:          userID,
	}

	r.mu.Lock()
	rec := &credstore.Record{Mode: credstore.ModeLocal, Local: tp}
	if err := r.store.Save(ctx, rec); err != nil {
		r.mu.Unlock()
		return err
	}
	r.stopRefreshTimerLocked()
	r.epoch++
	r.status = StatusAuthenticated
	r.mode = credstore.ModeLocal
	r.session = nil
	r.local = tp
	r.identity = &Identity{UserID: userID}
	st := r.deriveStateLocked()
	r.mu.Unlock()

	r.emitAudit(ctx, auditEventLocalSignIn, true, userID, nil, nil)
	r.notify(st)
	return nil
}

func (r *Reconciler) ready() error {
	if r == nil {
		return ErrReconcilerNotReady
	}
	if r.closed.Load() {
		return ErrReconcilerClosed
	}
	if !r.started.Load() {
		return ErrReconcilerNotReady
	}
	return nil
}
