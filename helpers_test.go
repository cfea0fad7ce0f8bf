package authstate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/revlin/authstate/credstore"
	"github.com/revlin/authstate/token"
)

type testAccount struct {
	userID      string
	secret      string
	displayName string
}

// testBackend is a controllable in-memory backend. Gates and injected errors
// let tests hold operations in flight or force failure paths.
type testBackend struct {
	mu       sync.Mutex
	ttl      time.Duration
	accounts map[string]testAccount
	sessions map[string]*credstore.Session
	refresh  map[string]*credstore.Session
	events   chan Event

	livenessCalls int
	exchangeCalls int
	refreshCalls  int
	signOutCalls  int

	livenessErr   error
	identityErr   error
	livenessBlock chan struct{} // when set, CheckLiveness waits for close or ctx
	refreshGate   chan struct{} // when set, ExchangeRefreshToken waits for close
}

func newTestBackend(ttl time.Duration) *testBackend {
	return &testBackend{
		ttl:      ttl,
		accounts: make(map[string]testAccount),
		sessions: make(map[string]*credstore.Session),
		refresh:  make(map[string]*credstore.Session),
		events:   make(chan Event, 16),
	}
}

func (b *testBackend) addAccount(identifier, secret, displayName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := testAccount{
		userID:      uuid.NewString(),
		secret:      secret,
		displayName: displayName,
	}
	b.accounts[identifier] = acct
	return acct.userID
}

// seedSession registers a live session directly, bypassing login. Used to
// stage resume scenarios.
func (b *testBackend) seedSession(t *testing.T, userID string) *credstore.Session {
	t.Helper()
	pair, err := token.GeneratePair()
	if err != nil {
		t.Fatalf("generate pair: %v", err)
	}
	sess := &credstore.Session{
		SessionToken: pair.SessionToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    time.Now().Add(b.ttl),
		UserID:       userID,
	}
	b.mu.Lock()
	b.sessions[sess.SessionToken] = sess
	b.refresh[sess.RefreshToken] = sess
	b.mu.Unlock()
	return sess
}

func (b *testBackend) issueLocked(userID string) (*credstore.Session, error) {
	pair, err := token.GeneratePair()
	if err != nil {
		return nil, err
	}
	sess := &credstore.Session{
		SessionToken: pair.SessionToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    time.Now().Add(b.ttl),
		UserID:       userID,
	}
	b.sessions[sess.SessionToken] = sess
	b.refresh[sess.RefreshToken] = sess
	return sess, nil
}

func (b *testBackend) ExchangeCredentials(_ context.Context, identifier, secret string) (*credstore.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchangeCalls++
	acct, ok := b.accounts[identifier]
	if !ok || acct.secret != secret {
		return nil, fmt.Errorf("%w: bad identifier or secret", ErrCredentialRejected)
	}
	return b.issueLocked(acct.userID)
}

func (b *testBackend) RegisterAccount(_ context.Context, req RegisterRequest) (*credstore.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[req.Identifier]; exists {
		return nil, fmt.Errorf("%w: identifier taken", ErrCredentialRejected)
	}
	acct := testAccount{
		userID:      uuid.NewString(),
		secret:      req.Secret,
		displayName: req.DisplayName,
	}
	b.accounts[req.Identifier] = acct
	return b.issueLocked(acct.userID)
}

func (b *testBackend) ExchangeRefreshToken(ctx context.Context, refreshToken string, candidate token.Pair) (*credstore.Session, error) {
	b.mu.Lock()
	b.refreshCalls++
	gate := b.refreshGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.refresh[refreshToken]
	if !ok {
		return nil, fmt.Errorf("refresh token unknown or spent")
	}
	delete(b.refresh, refreshToken)
	delete(b.sessions, old.SessionToken)

	sess := &credstore.Session{
		SessionToken: candidate.SessionToken,
		RefreshToken: candidate.RefreshToken,
		ExpiresAt:    time.Now().Add(b.ttl),
		UserID:       old.UserID,
	}
	b.sessions[sess.SessionToken] = sess
	b.refresh[sess.RefreshToken] = sess
	return sess, nil
}

func (b *testBackend) CheckLiveness(ctx context.Context, sessionToken string) (Liveness, error) {
	b.mu.Lock()
	b.livenessCalls++
	block := b.livenessBlock
	err := b.livenessErr
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Liveness{}, ctx.Err()
		}
	}
	if err != nil {
		return Liveness{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionToken]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return Liveness{}, nil
	}
	return Liveness{Valid: true, UserID: sess.UserID, ExpiresAt: sess.ExpiresAt}, nil
}

func (b *testBackend) FetchIdentity(_ context.Context, userID string) (*Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identityErr != nil {
		return nil, b.identityErr
	}
	for _, acct := range b.accounts {
		if acct.userID == userID {
			return &Identity{
				UserID:      userID,
				DisplayName: acct.displayName,
				Role:        "member",
			}, nil
		}
	}
	return &Identity{UserID: userID}, nil
}

func (b *testBackend) ChangeCredential(_ context.Context, sessionToken, oldSecret, newSecret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionToken]
	if !ok {
		return fmt.Errorf("session unknown")
	}
	for id, acct := range b.accounts {
		if acct.userID == sess.UserID {
			if acct.secret != oldSecret {
				return fmt.Errorf("%w: old secret mismatch", ErrCredentialRejected)
			}
			acct.secret = newSecret
			b.accounts[id] = acct
			return nil
		}
	}
	return fmt.Errorf("unknown user")
}

func (b *testBackend) SignOut(_ context.Context, sessionToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signOutCalls++
	if sess, ok := b.sessions[sessionToken]; ok {
		delete(b.refresh, sess.RefreshToken)
		delete(b.sessions, sessionToken)
	}
	return nil
}

func (b *testBackend) InvalidateAllSessions(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tok, sess := range b.sessions {
		if sess.UserID == userID {
			delete(b.refresh, sess.RefreshToken)
			delete(b.sessions, tok)
		}
	}
	return nil
}

func (b *testBackend) Events() <-chan Event {
	return b.events
}

// spendRefreshTokens discards every refresh token server-side, so any
// rotation attempt afterwards is rejected as a replay.
func (b *testBackend) spendRefreshTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = make(map[string]*credstore.Session)
}

func (b *testBackend) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *testBackend) calls() (liveness, exchange, refresh, signOut int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.livenessCalls, b.exchangeCalls, b.refreshCalls, b.signOutCalls
}

// newTestReconciler builds a reconciler over miniredis and the test backend.
// The reconciler is not started; tests call Start themselves so they can
// stage store contents first.
func newTestReconciler(t *testing.T, mutate func(*Config)) (*Reconciler, *testBackend, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})

	cfg := defaultConfig()
	cfg.Session.StartupValidateTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	backend := newTestBackend(time.Hour)
	rec, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithBackend(backend).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("build reconciler: %v", err)
	}

	cleanup := func() {
		rec.Close()
		_ = client.Close()
		mr.Close()
	}
	return rec, backend, mr, cleanup
}

// newTestReconcilerWithAudit is newTestReconciler with an audit sink wired
// through the builder.
func newTestReconcilerWithAudit(t *testing.T, sink AuditSink, mutate func(*Config)) (*Reconciler, *testBackend, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})

	cfg := defaultConfig()
	cfg.Session.StartupValidateTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	backend := newTestBackend(time.Hour)
	rec, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithBackend(backend).
		WithAuditSink(sink).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("build reconciler: %v", err)
	}

	cleanup := func() {
		rec.Close()
		_ = client.Close()
		mr.Close()
	}
	return rec, backend, mr, cleanup
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}
