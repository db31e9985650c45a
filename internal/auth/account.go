// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MaxUsernameLength is the longest username accepted at registration.
const MaxUsernameLength = 32

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

// Account states. Deleted accounts keep their row but release their username.
const (
	StatusActive  AccountStatus = "active"
	StatusDeleted AccountStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	return s == StatusActive || s == StatusDeleted
}

// Account is a registered user of the storage service.
type Account struct {
	ID                 ulid.ULID
	Username           string
	NormalizedUsername string
	Email              string
	PasswordHash       string
	Status             AccountStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// IsActive returns true if the account has not been deleted.
func (a *Account) IsActive() bool {
	return a.Status == StatusActive
}

// NewAccount creates a validated, active Account.
// The password hash must already have been produced by a PasswordHasher.
func NewAccount(username, email, passwordHash string) (*Account, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code(CodeInvalidPassword).Errorf("password hash cannot be empty")
	}

	now := time.Now().UTC()
	return &Account{
		ID:                 ulid.Make(),
		Username:           username,
		NormalizedUsername: NormalizeUsername(username),
		Email:              strings.TrimSpace(email),
		PasswordHash:       passwordHash,
		Status:             StatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// ValidateUsername checks a username against the account naming policy.
// A valid username is 1 to MaxUsernameLength characters drawn from
// ASCII letters, digits, underscore, hyphen and period.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return oops.Code(CodeBadUsername).Errorf("username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return oops.Code(CodeBadUsername).
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	for _, r := range username {
		if !isUsernameRune(r) {
			return oops.Code(CodeBadUsername).
				Errorf("username may only contain letters, numbers, underscores, hyphens and periods")
		}
	}
	return nil
}

func isUsernameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-', r == '.':
		return true
	}
	return false
}

// NormalizeUsername folds a username to the key used for uniqueness checks.
// Only ASCII A-Z are folded; any other rune is kept as is.
func NormalizeUsername(username string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, username)
}

// AccountRepository manages account persistence.
type AccountRepository interface {
	// FindActiveByNormalizedName retrieves the active account holding a
	// normalized username. Returns ErrNotFound if there is none.
	FindActiveByNormalizedName(ctx context.Context, normalized string) (*Account, error)

	// GetByID retrieves an account by ID regardless of status.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// Insert stores a new account. The uniqueness check on the normalized
	// username, scoped to active accounts, must be atomic with the insert.
	// Returns ErrUsernameTaken on collision.
	Insert(ctx context.Context, account *Account) error

	// UpdatePasswordHash replaces the password hash of an active account.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error

	// SoftDelete marks an active account as deleted, releasing its username.
	SoftDelete(ctx context.Context, id ulid.ULID) error
}
