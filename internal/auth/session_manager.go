// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionManager issues, resolves and revokes sessions.
type SessionManager struct {
	store  SessionStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// SessionManagerOption configures a SessionManager during construction.
type SessionManagerOption func(*SessionManager)

// WithSessionTTL sets the lifetime of new sessions. Zero keeps sessions
// valid until logout.
func WithSessionTTL(ttl time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.ttl = ttl
	}
}

// WithSessionClock overrides the time source. Used by tests.
func WithSessionClock(now func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		m.now = now
	}
}

// WithSessionLogger sets the logger for best-effort failures.
func WithSessionLogger(logger *slog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// NewSessionManager creates a SessionManager backed by store.
func NewSessionManager(store SessionStore, opts ...SessionManagerOption) (*SessionManager, error) {
	if store == nil {
		return nil, oops.Code("SESSION_MANAGER_INVALID").Errorf("session store is required")
	}
	m := &SessionManager{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl < 0 {
		return nil, oops.Code("SESSION_MANAGER_INVALID").With("ttl", m.ttl).Errorf("session TTL cannot be negative")
	}
	return m, nil
}

// TTL returns the lifetime given to new sessions. Zero means until logout.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Create issues a new session for accountID and returns it together with
// the plaintext token.
func (m *SessionManager) Create(ctx context.Context, accountID ulid.ULID) (*Session, string, error) {
	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", err
	}

	now := m.now().UTC()
	var expiresAt *time.Time
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		expiresAt = &exp
	}

	session, err := NewSession(accountID, tokenHash, now, expiresAt)
	if err != nil {
		return nil, "", err
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "persist session").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return session, token, nil
}

// Resolve returns the live session for token. Unknown, destroyed and
// expired tokens all fail with SESSION_INVALID.
func (m *SessionManager) Resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, oops.Code(CodeSessionInvalid).Errorf("session token cannot be empty")
	}

	session, err := m.store.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeSessionInvalid).Errorf("invalid session token")
		}
		return nil, oops.Code("SESSION_RESOLVE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	now := m.now().UTC()
	if session.IsExpiredAt(now) {
		return nil, oops.Code(CodeSessionInvalid).
			With("session_id", session.ID.String()).
			Errorf("session has expired")
	}

	if err := m.store.Touch(ctx, session.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.WarnContext(ctx, "failed to update session last seen",
			"session_id", session.ID.String(),
			"error", err,
		)
	}
	session.LastSeenAt = now

	return session, nil
}

// Destroy revokes the session identified by token. Destroying an unknown
// token is not an error.
func (m *SessionManager) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	session, err := m.store.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("SESSION_DESTROY_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	if err := m.store.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return oops.Code("SESSION_DESTROY_FAILED").
			With("operation", "delete session").
			With("session_id", session.ID.String()).
			Wrap(err)
	}
	return nil
}

// DestroyAll revokes every session of an account.
func (m *SessionManager) DestroyAll(ctx context.Context, accountID ulid.ULID) error {
	if err := m.store.DeleteByAccount(ctx, accountID); err != nil {
		return oops.Code("SESSION_DESTROY_FAILED").
			With("operation", "delete sessions by account").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}

// Sweep removes expired sessions and returns how many were removed.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}
