package credstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldMode    = "mode"
	fieldSession = "st"
	fieldRefresh = "rt"
	fieldExpires = "exp"
	fieldUserID  = "uid"
)

// Store is a Redis-backed credential store scoped to a single device/profile
// key. One record at a time; Save replaces the whole group, Clear removes it.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a credential [Store] backed by the given Redis client.
// prefix namespaces the profile key so multiple profiles can share one
// database.
func NewStore(redis redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{redis: redis, prefix: prefix}
}

func (s *Store) key() string {
	return s.prefix + ":cred"
}

// Save persists a record, replacing any previous one as a single atomic
// group. The write is synchronous: when Save returns nil the record is
// durable in the persistence medium.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	var (
		sessionToken string
		refreshToken string
		expires      int64
		userID       string
	)
	switch rec.Mode {
	case ModeSession:
		sessionToken = rec.Session.SessionToken
		refreshToken = rec.Session.RefreshToken
		// Full nanosecond precision so Save followed by Load reproduces the
		// expiry instant exactly. Local records keep their millisecond epoch.
		expires = rec.Session.ExpiresAt.UnixNano()
		userID = rec.Session.UserID
	case ModeLocal:
		sessionToken = rec.Local.SessionToken
		refreshToken = rec.Local.RefreshToken
		expires = rec.Local.ExpiresAtMillis
		userID = rec.Local.UserID
	}

	key := s.key()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldMode, strconv.Itoa(int(rec.Mode)),
			fieldSession, sessionToken,
			fieldRefresh, refreshToken,
			fieldExpires, strconv.FormatInt(expires, 10),
			fieldUserID, userID,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// Load returns the persisted record, nil when nothing is stored, or
// [ErrCorruptRecord] when the stored group is incomplete or unparseable.
// Load never repairs a record by guessing.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.key()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec, err := decodeFields(fields)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Clear removes every field written by Save. Clearing an absent record is a
// no-op; no residual field may survive into a subsequent session.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time availability check and latency for the
// persistence medium.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeFields(fields map[string]string) (*Record, error) {
	modeStr, ok := fields[fieldMode]
	if !ok {
		return nil, ErrCorruptRecord
	}
	modeInt, err := strconv.Atoi(modeStr)
	if err != nil {
		return nil, ErrCorruptRecord
	}

	sessionToken, okST := fields[fieldSession]
	refreshToken, okRT := fields[fieldRefresh]
	expiresStr, okExp := fields[fieldExpires]
	userID, okUID := fields[fieldUserID]
	if !okST || !okRT || !okExp || !okUID {
		return nil, ErrCorruptRecord
	}
	if sessionToken == "" || refreshToken == "" || userID == "" {
		return nil, ErrCorruptRecord
	}

	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil || expires <= 0 {
		return nil, ErrCorruptRecord
	}

	switch Mode(modeInt) {
	case ModeSession:
		return &Record{
			Mode: ModeSession,
			Session: &Session{
				SessionToken: sessionToken,
				RefreshToken: refreshToken,
				ExpiresAt:    time.Unix(0, expires),
				UserID:       userID,
			},
		}, nil
	case ModeLocal:
		return &Record{
			Mode: ModeLocal,
			Local: &TokenPair{
				SessionToken:    sessionToken,
				RefreshToken:    refreshToken,
				ExpiresAtMillis: expires,
				UserID:          userID,
			},
		}, nil
	default:
		return nil, ErrCorruptRecord
	}
}
