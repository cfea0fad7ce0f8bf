package authstate

import (
	"context"
	"errors"
	"time"

	"github.com/revlin/authstate/credstore"
)

const (
	auditEventLoginSuccess      = "login_success"
	auditEventLoginFailure      = "login_failure"
	auditEventRegisterSuccess   = "register_success"
	auditEventRegisterFailure   = "register_failure"
	auditEventRefreshSuccess    = "refresh_success"
	auditEventRefreshFailure    = "refresh_failure"
	auditEventSessionResumed    = "session_resumed"
	auditEventSessionInvalid    = "session_invalidated"
	auditEventLogout            = "logout"
	auditEventCredentialChanged = "credential_changed"
	auditEventLocalSignIn       = "local_sign_in"
	auditEventStoreCorruption   = "store_corruption"
	auditEventRemoteSignOut     = "remote_sign_out"
)

// AuditErrorCode defines a public type used by authstate APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

const (
	auditErrCredentialRejected AuditErrorCode = "credential_rejected"
	auditErrSessionInvalid     AuditErrorCode = "session_invalid"
	auditErrRefreshFailed      AuditErrorCode = "refresh_failed"
	auditErrValidationTimeout  AuditErrorCode = "validation_timeout"
	auditErrNotAuthenticated   AuditErrorCode = "not_authenticated"
	auditErrLocalModeDisabled  AuditErrorCode = "local_mode_disabled"
	auditErrStoreCorrupt       AuditErrorCode = "store_corrupt"
	auditErrStoreUnavailable   AuditErrorCode = "store_unavailable"
	auditErrClosed             AuditErrorCode = "closed"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (r *Reconciler) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if r == nil || r.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		State:     r.Status().String(),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	r.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrCredentialRejected):
		return auditErrCredentialRejected
	case errors.Is(err, ErrSessionInvalid):
		return auditErrSessionInvalid
	case errors.Is(err, ErrRefreshFailed):
		return auditErrRefreshFailed
	case errors.Is(err, ErrValidationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return auditErrValidationTimeout
	case errors.Is(err, ErrNotAuthenticated):
		return auditErrNotAuthenticated
	case errors.Is(err, ErrLocalModeDisabled):
		return auditErrLocalModeDisabled
	case errors.Is(err, credstore.ErrCorruptRecord):
		return auditErrStoreCorrupt
	case errors.Is(err, credstore.ErrStoreUnavailable):
		return auditErrStoreUnavailable
	case errors.Is(err, ErrReconcilerClosed),
		errors.Is(err, ErrReconcilerNotReady):
		return auditErrClosed
	default:
		return auditErrInternal
	}
}
