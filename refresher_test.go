package authstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/revlin/authstate/credstore"
)

func TestRefresherSingleFlightCoalesces(t *testing.T) {
	backend := newTestBackend(time.Hour)
	userID := backend.addAccount("alice", "correct-password-123", "Alice")
	sess := backend.seedSession(t, userID)

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.refreshGate = gate
	backend.mu.Unlock()

	metrics := NewMetrics(MetricsConfig{Enabled: true})
	r := NewRefresher(backend, metrics, zerolog.Nop())

	var persistMu sync.Mutex
	persisted := 0
	persist := func(_ context.Context, _ *credstore.Session) error {
		persistMu.Lock()
		persisted++
		persistMu.Unlock()
		return nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan *credstore.Session, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := r.Refresh(context.Background(), sess.RefreshToken, persist)
			results <- fresh
			errs <- err
		}()
	}

	// Let the callers pile onto the in-flight exchange before releasing it.
	waitFor(t, 2*time.Second, func() bool {
		_, _, refresh, _ := backend.calls()
		return refresh >= 1
	}, "leader exchange should be in flight")
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}

	var first *credstore.Session
	for fresh := range results {
		if first == nil {
			first = fresh
			continue
		}
		if fresh.SessionToken != first.SessionToken {
			t.Fatal("coalesced callers must observe the same rotated session")
		}
	}

	if _, _, refresh, _ := backend.calls(); refresh != 1 {
		t.Fatalf("expected exactly one backend exchange, got %d", refresh)
	}
	if persisted != 1 {
		t.Fatalf("expected exactly one persist, got %d", persisted)
	}
	if got := metrics.Value(MetricRefreshSuccess); got != 1 {
		t.Fatalf("expected 1 refresh success, got %d", got)
	}
	if got := metrics.Value(MetricRefreshCoalesced); got == 0 {
		t.Fatal("expected coalesced refreshes to be counted")
	}
}

func TestRefresherSpentTokenFails(t *testing.T) {
	backend := newTestBackend(time.Hour)
	userID := backend.addAccount("alice", "correct-password-123", "Alice")
	sess := backend.seedSession(t, userID)

	r := NewRefresher(backend, NewMetrics(MetricsConfig{Enabled: true}), zerolog.Nop())
	persist := func(_ context.Context, _ *credstore.Session) error { return nil }

	if _, err := r.Refresh(context.Background(), sess.RefreshToken, persist); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	// The original refresh token is spent: replaying it must fail.
	_, err := r.Refresh(context.Background(), sess.RefreshToken, persist)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed on replay, got %v", err)
	}
}

func TestRefresherPersistErrorSurfaces(t *testing.T) {
	backend := newTestBackend(time.Hour)
	userID := backend.addAccount("alice", "correct-password-123", "Alice")
	sess := backend.seedSession(t, userID)

	metrics := NewMetrics(MetricsConfig{Enabled: true})
	r := NewRefresher(backend, metrics, zerolog.Nop())

	persist := func(_ context.Context, _ *credstore.Session) error {
		return errStaleResult
	}

	_, err := r.Refresh(context.Background(), sess.RefreshToken, persist)
	if !errors.Is(err, errStaleResult) {
		t.Fatalf("expected stale result error, got %v", err)
	}
	if got := metrics.Value(MetricRefreshSuccess); got != 0 {
		t.Fatalf("discarded refresh must not count as success, got %d", got)
	}
}
