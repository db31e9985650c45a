// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

// Package memory provides in-process implementations of the auth
// repositories for development servers and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/porybox/identity/internal/auth"
)

// AccountRepository implements auth.AccountRepository in memory.
// All writes are serialized by a single mutex, which makes Insert's
// check-and-insert atomic.
type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[ulid.ULID]*auth.Account
	active   map[string]ulid.ULID // normalized username -> active account
}

// NewAccountRepository creates an empty AccountRepository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		accounts: make(map[ulid.ULID]*auth.Account),
		active:   make(map[string]ulid.ULID),
	}
}

// FindActiveByNormalizedName retrieves the active account holding a normalized username.
func (r *AccountRepository) FindActiveByNormalizedName(_ context.Context, normalized string) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[normalized]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("normalized_username", normalized).
			Wrap(auth.ErrNotFound)
	}
	return copyAccount(r.accounts[id]), nil
}

// GetByID retrieves an account by ID regardless of status.
func (r *AccountRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return copyAccount(account), nil
}

// Insert stores a new account unless an active account holds its name.
func (r *AccountRepository) Insert(ctx context.Context, account *auth.Account) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("ACCOUNT_INSERT_FAILED").Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[account.ID]; exists {
		return oops.Code("ACCOUNT_INSERT_FAILED").
			With("id", account.ID.String()).
			Errorf("account id already exists")
	}
	if _, taken := r.active[account.NormalizedUsername]; taken && account.Status == auth.StatusActive {
		return oops.With("normalized_username", account.NormalizedUsername).
			Wrap(auth.ErrUsernameTaken)
	}

	stored := copyAccount(account)
	r.accounts[stored.ID] = stored
	if stored.Status == auth.StatusActive {
		r.active[stored.NormalizedUsername] = stored.ID
	}
	return nil
}

// UpdatePasswordHash replaces the password hash of an active account.
func (r *AccountRepository) UpdatePasswordHash(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok || account.Status != auth.StatusActive {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// SoftDelete marks an active account as deleted and releases its username.
func (r *AccountRepository) SoftDelete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok || account.Status != auth.StatusActive {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	now := time.Now().UTC()
	account.Status = auth.StatusDeleted
	account.DeletedAt = &now
	account.UpdatedAt = now
	delete(r.active, account.NormalizedUsername)
	return nil
}

func copyAccount(a *auth.Account) *auth.Account {
	c := *a
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
