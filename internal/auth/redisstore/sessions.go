// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

// Package redisstore implements auth.SessionStore on Redis. Session records
// expire through native key TTLs.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/porybox/identity/internal/auth"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "identity:"

// ClientOptions configures NewClient.
type ClientOptions struct {
	URL        string
	PoolSize   int
	MaxRetries int
}

// NewClient parses a redis:// URL, applies timeouts and checks the
// connection.
func NewClient(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").With("operation", "parse redis url").Wrap(err)
	}
	if opts.PoolSize > 0 {
		parsed.PoolSize = opts.PoolSize
	}
	if opts.MaxRetries > 0 {
		parsed.MaxRetries = opts.MaxRetries
	}
	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 3 * time.Second
	parsed.WriteTimeout = 3 * time.Second
	parsed.PoolTimeout = 4 * time.Second

	client := redis.NewClient(parsed)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // ping error takes precedence
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("operation", "ping redis").Wrap(err)
	}
	return client, nil
}

// SessionStore implements auth.SessionStore using Redis.
//
// Keys:
//
//	<prefix>session:<token hash>     JSON session record
//	<prefix>session_id:<id>          token hash, for lookups by ID
//	<prefix>account_sessions:<id>    set of token hashes owned by an account
type SessionStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *SessionStore) {
		s.prefix = prefix
	}
}

// WithClock overrides the time source used to compute key TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) {
		s.now = now
	}
}

// NewSessionStore creates a SessionStore on client.
func NewSessionStore(client redis.UniversalClient, opts ...Option) *SessionStore {
	s := &SessionStore{client: client, prefix: DefaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type sessionRecord struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	TokenHash  string     `json:"token_hash"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (s *SessionStore) sessionKey(tokenHash string) string {
	return s.prefix + "session:" + tokenHash
}

func (s *SessionStore) idKey(id ulid.ULID) string {
	return s.prefix + "session_id:" + id.String()
}

func (s *SessionStore) accountKey(accountID string) string {
	return s.prefix + "account_sessions:" + accountID
}

// ttl returns the key lifetime for a session. Zero means no expiry.
func (s *SessionStore) ttl(session *auth.Session) (time.Duration, bool) {
	if session.ExpiresAt == nil {
		return 0, true
	}
	remaining := session.ExpiresAt.Sub(s.now())
	return remaining, remaining > 0
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, session *auth.Session) error {
	ttl, live := s.ttl(session)
	if !live {
		return oops.Code("SESSION_CREATE_FAILED").
			With("session_id", session.ID.String()).
			Errorf("session already expired")
	}

	payload, err := json.Marshal(toRecord(session))
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").With("operation", "encode session").Wrap(err)
	}

	accountKey := s.accountKey(session.AccountID.String())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.TokenHash), payload, ttl)
		pipe.Set(ctx, s.idKey(session.ID), session.TokenHash, ttl)
		pipe.SAdd(ctx, accountKey, session.TokenHash)
		return nil
	})
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "write session keys").
			With("account_id", session.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (s *SessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	record, err := s.load(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	return record.toSession()
}

func (s *SessionStore) load(ctx context.Context, tokenHash string) (*sessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_TOKEN_FAILED").
			With("operation", "get session").
			Wrap(err)
	}

	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, oops.Code("SESSION_DECODE_FAILED").
			With("operation", "decode session").
			Wrap(err)
	}
	return &record, nil
}

func (s *SessionStore) hashForID(ctx context.Context, id ulid.ULID) (string, error) {
	tokenHash, err := s.client.Get(ctx, s.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return "", oops.Code("SESSION_LOOKUP_FAILED").
			With("operation", "get session id index").
			With("id", id.String()).
			Wrap(err)
	}
	return tokenHash, nil
}

// Touch updates the LastSeenAt timestamp, keeping the remaining TTL.
func (s *SessionStore) Touch(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	tokenHash, err := s.hashForID(ctx, id)
	if err != nil {
		return err
	}
	record, err := s.load(ctx, tokenHash)
	if err != nil {
		return err
	}
	record.LastSeenAt = lastSeen

	payload, err := json.Marshal(record)
	if err != nil {
		return oops.Code("SESSION_TOUCH_FAILED").With("operation", "encode session").Wrap(err)
	}
	// XX: never resurrect a session that expired between the read and the write.
	ok, err := s.client.SetArgs(ctx, s.sessionKey(tokenHash), payload, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Result()
	if errors.Is(err, redis.Nil) || (err == nil && ok != "OK") {
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return oops.Code("SESSION_TOUCH_FAILED").
			With("operation", "write session").
			With("id", id.String()).
			Wrap(err)
	}
	return nil
}

// Delete removes a session by ID.
func (s *SessionStore) Delete(ctx context.Context, id ulid.ULID) error {
	tokenHash, err := s.hashForID(ctx, id)
	if err != nil {
		return err
	}
	record, err := s.load(ctx, tokenHash)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(tokenHash), s.idKey(id))
		pipe.SRem(ctx, s.accountKey(record.AccountID), tokenHash)
		return nil
	})
	if err != nil {
		return oops.Code("SESSION_DELETE_FAILED").
			With("operation", "delete session keys").
			With("id", id.String()).
			Wrap(err)
	}
	return nil
}

// DeleteByAccount removes all sessions for an account.
func (s *SessionStore) DeleteByAccount(ctx context.Context, accountID ulid.ULID) error {
	accountKey := s.accountKey(accountID.String())
	hashes, err := s.client.SMembers(ctx, accountKey).Result()
	if err != nil {
		return oops.Code("SESSION_DELETE_BY_ACCOUNT_FAILED").
			With("operation", "list account sessions").
			With("account_id", accountID.String()).
			Wrap(err)
	}

	keys := []string{accountKey}
	for _, tokenHash := range hashes {
		keys = append(keys, s.sessionKey(tokenHash))
		record, err := s.load(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				continue
			}
			return err
		}
		if id, err := ulid.Parse(record.ID); err == nil {
			keys = append(keys, s.idKey(id))
		}
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return oops.Code("SESSION_DELETE_BY_ACCOUNT_FAILED").
			With("operation", "delete account sessions").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired prunes account index entries whose session key Redis has
// already expired and returns how many were pruned.
func (s *SessionStore) DeleteExpired(ctx context.Context, _ time.Time) (int64, error) {
	var pruned int64
	iter := s.client.Scan(ctx, 0, s.prefix+"account_sessions:*", 100).Iterator()
	for iter.Next(ctx) {
		accountKey := iter.Val()
		hashes, err := s.client.SMembers(ctx, accountKey).Result()
		if err != nil {
			return pruned, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
				With("operation", "list account sessions").
				With("key", accountKey).
				Wrap(err)
		}
		for _, tokenHash := range hashes {
			exists, err := s.client.Exists(ctx, s.sessionKey(tokenHash)).Result()
			if err != nil {
				return pruned, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
					With("operation", "check session").
					Wrap(err)
			}
			if exists > 0 {
				continue
			}
			if err := s.client.SRem(ctx, accountKey, tokenHash).Err(); err != nil {
				return pruned, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
					With("operation", "prune account index").
					Wrap(err)
			}
			pruned++
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
			With("operation", "scan account indexes").
			Wrap(err)
	}
	return pruned, nil
}

func toRecord(session *auth.Session) sessionRecord {
	return sessionRecord{
		ID:         session.ID.String(),
		AccountID:  session.AccountID.String(),
		TokenHash:  session.TokenHash,
		CreatedAt:  session.CreatedAt,
		LastSeenAt: session.LastSeenAt,
		ExpiresAt:  session.ExpiresAt,
	}
}

func (r *sessionRecord) toSession() (*auth.Session, error) {
	id, err := ulid.Parse(r.ID)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").With("id", r.ID).Wrap(err)
	}
	accountID, err := ulid.Parse(r.AccountID)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ACCOUNT_ID").With("account_id", r.AccountID).Wrap(err)
	}
	return &auth.Session{
		ID:         id,
		AccountID:  accountID,
		TokenHash:  r.TokenHash,
		CreatedAt:  r.CreatedAt,
		LastSeenAt: r.LastSeenAt,
		ExpiresAt:  r.ExpiresAt,
	}, nil
}

// Compile-time interface check.
var _ auth.SessionStore = (*SessionStore)(nil)
