package authstate

import (
	"sync/atomic"
	"time"
)

// MetricID defines a public type used by authstate APIs.
//
// MetricID instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricID uint16

const (
	// MetricLoginSuccess is an exported constant or variable used by the session lifecycle core.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure is an exported constant or variable used by the session lifecycle core.
	MetricLoginFailure
	// MetricRegisterSuccess is an exported constant or variable used by the session lifecycle core.
	MetricRegisterSuccess
	// MetricRegisterFailure is an exported constant or variable used by the session lifecycle core.
	MetricRegisterFailure
	// MetricRefreshSuccess is an exported constant or variable used by the session lifecycle core.
	MetricRefreshSuccess
	// MetricRefreshFailure is an exported constant or variable used by the session lifecycle core.
	MetricRefreshFailure
	// MetricRefreshCoalesced is an exported constant or variable used by the session lifecycle core.
	MetricRefreshCoalesced
	// MetricValidateFailClosed is an exported constant or variable used by the session lifecycle core.
	MetricValidateFailClosed
	// MetricSessionResumed is an exported constant or variable used by the session lifecycle core.
	MetricSessionResumed
	// MetricSessionInvalidated is an exported constant or variable used by the session lifecycle core.
	MetricSessionInvalidated
	// MetricLogout is an exported constant or variable used by the session lifecycle core.
	MetricLogout
	// MetricCredentialChanged is an exported constant or variable used by the session lifecycle core.
	MetricCredentialChanged
	// MetricStoreCorruption is an exported constant or variable used by the session lifecycle core.
	MetricStoreCorruption
	// MetricSignOutNotifyFailed is an exported constant or variable used by the session lifecycle core.
	MetricSignOutNotifyFailed
	// MetricStaleResultDiscarded is an exported constant or variable used by the session lifecycle core.
	MetricStaleResultDiscarded
	// MetricEventIgnored is an exported constant or variable used by the session lifecycle core.
	MetricEventIgnored
	// MetricValidateLatency is an exported constant or variable used by the session lifecycle core.
	MetricValidateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics defines a public type used by authstate APIs.
//
// Metrics instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot defines a public type used by authstate APIs.
//
// MetricsSnapshot instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics describes the newmetrics operation and its observable behavior.
//
// NewMetrics may return an error when input validation, dependency calls, or security checks fail.
// NewMetrics does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled describes the enabled operation and its observable behavior.
//
// Enabled may return an error when input validation, dependency calls, or security checks fail.
// Enabled does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled describes the latencyenabled operation and its observable behavior.
//
// LatencyEnabled may return an error when input validation, dependency calls, or security checks fail.
// LatencyEnabled does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc describes the inc operation and its observable behavior.
//
// Inc may return an error when input validation, dependency calls, or security checks fail.
// Inc does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe describes the observe operation and its observable behavior.
//
// Observe may return an error when input validation, dependency calls, or security checks fail.
// Observe does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value describes the value operation and its observable behavior.
//
// Value may return an error when input validation, dependency calls, or security checks fail.
// Value does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot describes the snapshot operation and its observable behavior.
//
// Snapshot may return an error when input validation, dependency calls, or security checks fail.
// Snapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}

// MetricName returns the stable snake_case identifier for a metric, used by
// exporters. Unknown ids map to "unknown".
func MetricName(id MetricID) string {
	switch id {
	case MetricLoginSuccess:
		return "login_success"
	case MetricLoginFailure:
		return "login_failure"
	case MetricRegisterSuccess:
		return "register_success"
	case MetricRegisterFailure:
		return "register_failure"
	case MetricRefreshSuccess:
		return "refresh_success"
	case MetricRefreshFailure:
		return "refresh_failure"
	case MetricRefreshCoalesced:
		return "refresh_coalesced"
	case MetricValidateFailClosed:
		return "validate_fail_closed"
	case MetricSessionResumed:
		return "session_resumed"
	case MetricSessionInvalidated:
		return "session_invalidated"
	case MetricLogout:
		return "logout"
	case MetricCredentialChanged:
		return "credential_changed"
	case MetricStoreCorruption:
		return "store_corruption"
	case MetricSignOutNotifyFailed:
		return "signout_notify_failed"
	case MetricStaleResultDiscarded:
		return "stale_result_discarded"
	case MetricEventIgnored:
		return "event_ignored"
	case MetricValidateLatency:
		return "validate_latency"
	default:
		return "unknown"
	}
}
