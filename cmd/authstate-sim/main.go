// Command authstate-sim exercises the session lifecycle core against an
// in-memory identity backend: login, concurrent session checks, token
// rotation, push-driven sign-out, and logout, then prints the metrics
// snapshot. When no redis address is given it runs against miniredis.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	authstate "github.com/revlin/authstate"
	"github.com/revlin/authstate/credstore"
	promexport "github.com/revlin/authstate/metrics/export/prometheus"
	"github.com/revlin/authstate/token"
)

var cli struct {
	RedisAddr   string        `help:"Redis address. Empty runs an embedded miniredis." env:"REDIS_ADDR"`
	Prefix      string        `help:"Credential store key prefix." default:"ac"`
	Clients     int           `help:"Concurrent session check callers." default:"16"`
	Cycles      int           `help:"Login/check/logout cycles to run." default:"3"`
	SessionTTL  time.Duration `help:"Session lifetime issued by the fake backend." default:"2s"`
	MetricsAddr string        `help:"Serve Prometheus metrics at this address while running."`
	Verbose     bool          `help:"Enable debug logging." short:"v"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("authstate-sim"),
		kong.Description("Exercise the session lifecycle core against a fake identity backend."),
	)

	level := zerolog.InfoLevel
	if cli.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("simulation failed")
	}
}

func run(log zerolog.Logger) error {
	ctx := context.Background()

	client, cleanup, err := connectRedis(log)
	if err != nil {
		return err
	}
	defer cleanup()

	backend := newFakeBackend(cli.SessionTTL)
	backend.addAccount("demo@example.com", "hunter2", "Demo User")

	cfg := authstate.DefaultConfig()
	cfg.Store.RedisPrefix = cli.Prefix
	cfg.Session.RefreshWindow = cli.SessionTTL / 2
	cfg.Refresh.Interval = cli.SessionTTL

	rec, err := authstate.New().
		WithConfig(cfg).
		WithRedis(client).
		WithBackend(backend).
		WithLogger(log).
		WithAuditSink(authstate.NewJSONWriterSink(os.Stdout)).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		return err
	}
	defer rec.Close()

	unsubscribe := rec.Subscribe(func(st authstate.AuthState) {
		log.Info().
			Bool("authenticated", st.Authenticated).
			Bool("loading", st.Loading).
			Msg("state transition")
	})
	defer unsubscribe()

	if err := rec.Start(ctx); err != nil {
		return err
	}

	if cli.MetricsAddr != "" {
		exp := promexport.NewExporter(rec)
		go func() {
			log.Info().Str("addr", cli.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cli.MetricsAddr, exp.Handler()); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	for cycle := 0; cycle < cli.Cycles; cycle++ {
		log.Info().Int("cycle", cycle).Msg("starting cycle")

		if err := rec.Login(ctx, "demo@example.com", "hunter2"); err != nil {
			return fmt.Errorf("login: %w", err)
		}

		runConcurrentChecks(ctx, rec, log)

		// Sleep into the refresh window so the next check rotates tokens.
		time.Sleep(cli.SessionTTL/2 + 50*time.Millisecond)
		runConcurrentChecks(ctx, rec, log)

		if cycle == cli.Cycles-1 {
			// Last cycle ends via a remote sign-out push instead of logout.
			backend.pushSignOut()
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if err := rec.Logout(ctx); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
	}

	printSnapshot(rec.MetricsSnapshot())
	return nil
}

func connectRedis(log zerolog.Logger) (redis.UniversalClient, func(), error) {
	if cli.RedisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{mr.Addr()},
		})
		log.Info().Str("addr", mr.Addr()).Msg("using embedded miniredis")
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{cli.RedisAddr},
	})
	log.Info().Str("addr", cli.RedisAddr).Msg("using redis")
	return client, func() { _ = client.Close() }, nil
}

func runConcurrentChecks(ctx context.Context, rec *authstate.Reconciler, log zerolog.Logger) {
	var wg sync.WaitGroup
	for i := 0; i < cli.Clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live, err := rec.CheckSession(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("session check")
				return
			}
			log.Debug().
				Str("user_id", live.UserID).
				Time("expires_at", live.ExpiresAt).
				Msg("session live")
		}()
	}
	wg.Wait()
}

func printSnapshot(s authstate.MetricsSnapshot) {
	ids := make([]authstate.MetricID, 0, len(s.Counters))
	for id := range s.Counters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Println("---- metrics ----")
	for _, id := range ids {
		fmt.Printf("%-28s %d\n", authstate.MetricName(id), s.Counters[id])
	}
	if buckets, ok := s.Histograms[authstate.MetricValidateLatency]; ok {
		fmt.Printf("%-28s %v\n", "validate_latency_buckets", buckets)
	}
}

// fakeBackend is an in-memory identity backend with single-use refresh
// tokens and a push event channel, just enough surface for the simulator.
type fakeBackend struct {
	mu       sync.Mutex
	ttl      time.Duration
	accounts map[string]fakeAccount          // identifier -> account
	sessions map[string]*credstore.Session   // session token -> session
	refresh  map[string]*credstore.Session   // refresh token -> session
	events   chan authstate.Event
	lastUser string
}

type fakeAccount struct {
	userID      string
	secret      string
	displayName string
}

func newFakeBackend(ttl time.Duration) *fakeBackend {
	return &fakeBackend{
		ttl:      ttl,
		accounts: make(map[string]fakeAccount),
		sessions: make(map[string]*credstore.Session),
		refresh:  make(map[string]*credstore.Session),
		events:   make(chan authstate.Event, 16),
	}
}

func (b *fakeBackend) addAccount(identifier, secret, displayName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[identifier] = fakeAccount{
		userID:      uuid.NewString(),
		secret:      secret,
		displayName: displayName,
	}
}

func (b *fakeBackend) issueLocked(userID string) (*credstore.Session, error) {
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
	b.lastUser = userID
	return sess, nil
}

func (b *fakeBackend) ExchangeCredentials(_ context.Context, identifier, secret string) (*credstore.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[identifier]
	if !ok || acct.secret != secret {
		return nil, fmt.Errorf("%w: unknown identifier or bad secret", authstate.ErrCredentialRejected)
	}
	return b.issueLocked(acct.userID)
}

func (b *fakeBackend) RegisterAccount(_ context.Context, req authstate.RegisterRequest) (*credstore.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[req.Identifier]; exists {
		return nil, fmt.Errorf("%w: identifier taken", authstate.ErrCredentialRejected)
	}
	acct := fakeAccount{
		userID:      uuid.NewString(),
		secret:      req.Secret,
		displayName: req.DisplayName,
	}
	b.accounts[req.Identifier] = acct
	return b.issueLocked(acct.userID)
}

func (b *fakeBackend) ExchangeRefreshToken(_ context.Context, refreshToken string, candidate token.Pair) (*credstore.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.refresh[refreshToken]
	if !ok {
		return nil, errors.New("refresh token unknown or already spent")
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

func (b *fakeBackend) CheckLiveness(_ context.Context, sessionToken string) (authstate.Liveness, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionToken]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return authstate.Liveness{}, nil
	}
	return authstate.Liveness{
		Valid:     true,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

func (b *fakeBackend) FetchIdentity(_ context.Context, userID string) (*authstate.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acct := range b.accounts {
		if acct.userID == userID {
			return &authstate.Identity{
				UserID:      userID,
				DisplayName: acct.displayName,
				Role:        "member",
			}, nil
		}
	}
	return nil, errors.New("unknown user")
}

func (b *fakeBackend) ChangeCredential(_ context.Context, sessionToken, oldSecret, newSecret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionToken]
	if !ok {
		return errors.New("session unknown")
	}
	for id, acct := range b.accounts {
		if acct.userID == sess.UserID {
			if acct.secret != oldSecret {
				return fmt.Errorf("%w: old secret mismatch", authstate.ErrCredentialRejected)
			}
			acct.secret = newSecret
			b.accounts[id] = acct
			return nil
		}
	}
	return errors.New("unknown user")
}

func (b *fakeBackend) SignOut(_ context.Context, sessionToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sess, ok := b.sessions[sessionToken]; ok {
		delete(b.refresh, sess.RefreshToken)
		delete(b.sessions, sessionToken)
	}
	return nil
}

func (b *fakeBackend) InvalidateAllSessions(_ context.Context, userID string) error {
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

func (b *fakeBackend) Events() <-chan authstate.Event {
	return b.events
}

// pushSignOut invalidates the most recent user's sessions and emits the
// corresponding push event, imitating a sign-out from another client.
func (b *fakeBackend) pushSignOut() {
	b.mu.Lock()
	userID := b.lastUser
	for tok, sess := range b.sessions {
		if sess.UserID == userID {
			delete(b.refresh, sess.RefreshToken)
			delete(b.sessions, tok)
		}
	}
	b.mu.Unlock()

	if userID != "" {
		b.events <- authstate.SignedOutEvent{UserID: userID}
	}
}
