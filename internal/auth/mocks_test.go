// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package auth_test

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/porybox/identity/internal/auth"
)

type mockAccountRepository struct {
	mock.Mock
}

func (m *mockAccountRepository) FindActiveByNormalizedName(ctx context.Context, normalized string) (*auth.Account, error) {
	args := m.Called(ctx, normalized)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

func (m *mockAccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	args := m.Called(ctx, id)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

func (m *mockAccountRepository) Insert(ctx context.Context, account *auth.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *mockAccountRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return m.Called(ctx, id, passwordHash).Error(0)
}

func (m *mockAccountRepository) SoftDelete(ctx context.Context, id ulid.ULID) error {
	return m.Called(ctx, id).Error(0)
}

type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) Create(ctx context.Context, session *auth.Session) error {
	return m.Called(ctx, session).Error(0)
}

func (m *mockSessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	args := m.Called(ctx, tokenHash)
	session, _ := args.Get(0).(*auth.Session)
	return session, args.Error(1)
}

func (m *mockSessionStore) Touch(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	return m.Called(ctx, id, lastSeen).Error(0)
}

func (m *mockSessionStore) Delete(ctx context.Context, id ulid.ULID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSessionStore) DeleteByAccount(ctx context.Context, accountID ulid.ULID) error {
	return m.Called(ctx, accountID).Error(0)
}

func (m *mockSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1) //nolint:errcheck // test mock
}

type recordedOutcome struct {
	operation string
	result    string
}

type fakeRecorder struct {
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordAuthOutcome(operation, result string) {
	r.outcomes = append(r.outcomes, recordedOutcome{operation: operation, result: result})
}

// gateHasher pauses the next Verify once armed until release is closed.
type gateHasher struct {
	auth.PasswordHasher
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGateHasher(inner auth.PasswordHasher) *gateHasher {
	return &gateHasher{
		PasswordHasher: inner,
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (h *gateHasher) Verify(password, hash string) (bool, error) {
	if h.armed.CompareAndSwap(true, false) {
		close(h.entered)
		<-h.release
	}
	return h.PasswordHasher.Verify(password, hash)
}

var (
	_ auth.AccountRepository = (*mockAccountRepository)(nil)
	_ auth.SessionStore      = (*mockSessionStore)(nil)
	_ auth.OutcomeRecorder   = (*fakeRecorder)(nil)
	_ auth.PasswordHasher    = (*gateHasher)(nil)
)
