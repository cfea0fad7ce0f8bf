package internaldefs

import (
	authstate "github.com/revlin/authstate"
)

// CounterDef defines a public type used by authstate APIs.
//
// CounterDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CounterDef struct {
	ID   authstate.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by authstate APIs.
//
// HistogramDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HistogramDef struct {
	ID   authstate.MetricID
	Name string
	Help string
}

// CounterDefs is an exported constant or variable used by the session lifecycle core.
var CounterDefs = []CounterDef{
	{ID: authstate.MetricLoginSuccess, Name: "authstate_login_success_total", Help: "Successful login exchanges."},
	{ID: authstate.MetricLoginFailure, Name: "authstate_login_failure_total", Help: "Failed login exchanges."},
	{ID: authstate.MetricRegisterSuccess, Name: "authstate_register_success_total", Help: "Successful account registrations."},
	{ID: authstate.MetricRegisterFailure, Name: "authstate_register_failure_total", Help: "Failed account registrations."},
	{ID: authstate.MetricRefreshSuccess, Name: "authstate_refresh_success_total", Help: "Successful token rotations."},
	{ID: authstate.MetricRefreshFailure, Name: "authstate_refresh_failure_total", Help: "Failed token rotations."},
	{ID: authstate.MetricRefreshCoalesced, Name: "authstate_refresh_coalesced_total", Help: "Refresh callers coalesced onto an in-flight exchange."},
	{ID: authstate.MetricValidateFailClosed, Name: "authstate_validate_fail_closed_total", Help: "Liveness checks resolved invalid due to backend errors or timeouts."},
	{ID: authstate.MetricSessionResumed, Name: "authstate_session_resumed_total", Help: "Sessions resumed from persisted credentials at startup."},
	{ID: authstate.MetricSessionInvalidated, Name: "authstate_session_invalidated_total", Help: "Sessions torn down after a definitive invalid verdict."},
	{ID: authstate.MetricLogout, Name: "authstate_logout_total", Help: "Explicit logout operations."},
	{ID: authstate.MetricCredentialChanged, Name: "authstate_credential_changed_total", Help: "Successful credential changes."},
	{ID: authstate.MetricStoreCorruption, Name: "authstate_store_corruption_total", Help: "Corrupt credential records discarded from the store."},
	{ID: authstate.MetricSignOutNotifyFailed, Name: "authstate_signout_notify_failed_total", Help: "Best-effort remote sign-out notifications that exhausted retries."},
	{ID: authstate.MetricStaleResultDiscarded, Name: "authstate_stale_result_discarded_total", Help: "In-flight operation results discarded as stale."},
	{ID: authstate.MetricEventIgnored, Name: "authstate_event_ignored_total", Help: "Push events ignored as unknown or targeting another account."},
}

// HistogramDefs is an exported constant or variable used by the session lifecycle core.
var HistogramDefs = []HistogramDef{
	{ID: authstate.MetricValidateLatency, Name: "authstate_validate_latency_seconds", Help: "Liveness check latency histogram."},
}

// HistogramBounds is an exported constant or variable used by the session lifecycle core.
// The final +Inf bucket is implicit.
var HistogramBounds = []float64{
	0.005,
	0.01,
	0.025,
	0.05,
	0.1,
	0.25,
	0.5,
}

// NormalizeBuckets describes the normalizebuckets operation and its observable behavior.
//
// NormalizeBuckets may return an error when input validation, dependency calls, or security checks fail.
// NormalizeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets describes the cumulativebuckets operation and its observable behavior.
//
// CumulativeBuckets may return an error when input validation, dependency calls, or security checks fail.
// CumulativeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
