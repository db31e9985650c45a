// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/porybox/identity/internal/auth"
)

// SessionStore implements auth.SessionStore in memory.
type SessionStore struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]*auth.Session
	byToken map[string]ulid.ULID
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:    make(map[ulid.ULID]*auth.Session),
		byToken: make(map[string]ulid.ULID),
	}
}

// Create stores a new session.
func (s *SessionStore) Create(_ context.Context, session *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byToken[session.TokenHash]; exists {
		return oops.Code("SESSION_CREATE_FAILED").Errorf("token hash already in use")
	}
	stored := copySession(session)
	s.byID[stored.ID] = stored
	s.byToken[stored.TokenHash] = stored.ID
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (s *SessionStore) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[tokenHash]
	if !ok {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return copySession(s.byID[id]), nil
}

// Touch updates the LastSeenAt timestamp for a session.
func (s *SessionStore) Touch(_ context.Context, id ulid.ULID, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byID[id]
	if !ok {
		return oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	session.LastSeenAt = lastSeen
	return nil
}

// Delete removes a session by ID.
func (s *SessionStore) Delete(_ context.Context, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byID[id]
	if !ok {
		return oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	s.remove(session)
	return nil
}

// DeleteByAccount removes all sessions for an account.
func (s *SessionStore) DeleteByAccount(_ context.Context, accountID ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.byID {
		if session.AccountID == accountID {
			s.remove(session)
		}
	}
	return nil
}

// DeleteExpired removes sessions that expired at or before now.
func (s *SessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, session := range s.byID {
		if session.IsExpiredAt(now) {
			s.remove(session)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// remove must be called with mu held.
func (s *SessionStore) remove(session *auth.Session) {
	delete(s.byToken, session.TokenHash)
	delete(s.byID, session.ID)
}

func copySession(session *auth.Session) *auth.Session {
	c := *session
	if session.ExpiresAt != nil {
		t := *session.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Compile-time interface check.
var _ auth.SessionStore = (*SessionStore)(nil)
