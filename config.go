package authstate

import (
	"errors"
	"time"
)

// Config defines a public type used by authstate APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Session SessionConfig
	Refresh RefreshConfig
	Local   LocalConfig
	SignOut SignOutConfig
	Store   StoreConfig
	Audit   AuditConfig
	Metrics MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig defines a public type used by authstate APIs.
//
// SessionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SessionConfig struct {
	// RefreshWindow is the span before expiry in which a session is still
	// usable but eligible for proactive rotation.
	RefreshWindow time.Duration
	// StartupValidateTimeout bounds the process-start validation race.
	// A timeout resolves fail-closed, never hangs the caller.
	StartupValidateTimeout time.Duration
}

// RefreshConfig defines a public type used by authstate APIs.
//
// RefreshConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RefreshConfig struct {
	// Interval drives the recurring proactive refresh timer started on
	// every entry into the authenticated state.
	Interval time.Duration
}

// LocalConfig controls the reduced-trust local token mode: client-issued
// token pairs with no backend check, mutually exclusive with validated
// sessions.
type LocalConfig struct {
	Enabled bool
	TTL     time.Duration
}

// SignOutConfig controls the best-effort remote sign-out notification.
// The notification is fire-and-forget; none of these values delay the local
// transition to unauthenticated.
type SignOutConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// StoreConfig defines a public type used by authstate APIs.
//
// StoreConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type StoreConfig struct {
	RedisPrefix string
}

// AuditConfig defines a public type used by authstate APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by authstate APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RefreshWindow:          5 * time.Minute,
			StartupValidateTimeout: 30 * time.Second,
		},
		Refresh: RefreshConfig{
			Interval: 30 * time.Minute,
		},
		Local: LocalConfig{
			Enabled: false,
			TTL:     24 * time.Hour,
		},
		SignOut: SignOutConfig{
			MaxTries:        3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Timeout:         15 * time.Second,
		},
		Store: StoreConfig{
			RedisPrefix: "ac",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DefaultConfig returns the configuration applied by [New] before any
// builder overrides.
func DefaultConfig() Config {
	return defaultConfig()
}

// Validate checks configuration invariants. It is called by [Builder.Build];
// direct callers only need it when assembling a Config by hand.
func (c *Config) Validate() error {
	if c.Session.RefreshWindow <= 0 {
		return errors.New("Session.RefreshWindow must be positive")
	}
	if c.Session.StartupValidateTimeout <= 0 {
		return errors.New("Session.StartupValidateTimeout must be positive")
	}
	if c.Refresh.Interval <= 0 {
		return errors.New("Refresh.Interval must be positive")
	}
	if c.Refresh.Interval <= c.Session.RefreshWindow {
		return errors.New("Refresh.Interval must exceed Session.RefreshWindow")
	}
	if c.Local.Enabled && c.Local.TTL <= 0 {
		return errors.New("Local.TTL must be positive when local mode is enabled")
	}
	if c.SignOut.Timeout <= 0 {
		return errors.New("SignOut.Timeout must be positive")
	}
	if c.Store.RedisPrefix == "" {
		return errors.New("Store.RedisPrefix must not be empty")
	}
	return nil
}
