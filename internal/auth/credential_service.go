// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/porybox/identity/pkg/errutil"
)

var tracer = otel.Tracer("porybox/identity/auth")

// Operation names reported to an OutcomeRecorder.
const (
	OpRegister       = "register"
	OpAuthenticate   = "authenticate"
	OpChangePassword = "change_password"
	OpLogout         = "logout"
	OpDeleteAccount  = "delete_account"
)

// OutcomeRecorder receives the result of every credential operation.
// result is "ok" or the error code of the failure.
type OutcomeRecorder interface {
	RecordAuthOutcome(operation, result string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAuthOutcome(string, string) {}

// dummyPasswordHash is verified when a username does not exist so lookups
// for unknown and known names take comparable time.
//
//nolint:gosec // G101: intentionally fake hash, never matches any password.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// CredentialService coordinates registration, authentication, password
// changes and account deletion.
type CredentialService struct {
	accounts AccountRepository
	sessions *SessionManager
	hasher   PasswordHasher
	logger   *slog.Logger
	recorder OutcomeRecorder
}

// CredentialServiceOption configures a CredentialService during construction.
type CredentialServiceOption func(*CredentialService)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) CredentialServiceOption {
	return func(s *CredentialService) {
		s.logger = logger
	}
}

// WithRecorder sets the recorder notified of operation outcomes.
func WithRecorder(recorder OutcomeRecorder) CredentialServiceOption {
	return func(s *CredentialService) {
		s.recorder = recorder
	}
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(accounts AccountRepository, sessions *SessionManager, hasher PasswordHasher, opts ...CredentialServiceOption) (*CredentialService, error) {
	if accounts == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("accounts repository is required")
	}
	if sessions == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("session manager is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	}

	s := &CredentialService{
		accounts: accounts,
		sessions: sessions,
		hasher:   hasher,
		logger:   slog.Default(),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("logger cannot be nil")
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	return s, nil
}

// Sessions returns the session manager used by the service.
func (s *CredentialService) Sessions() *SessionManager {
	return s.sessions
}

// Register creates an account and signs it in.
// Returns the account, the plaintext session token, and any error.
func (s *CredentialService) Register(ctx context.Context, username, password, email string) (account *Account, token string, err error) {
	ctx, span := tracer.Start(ctx, "auth.register",
		trace.WithAttributes(attribute.String("auth.username", username)))
	defer func() { s.finish(ctx, span, OpRegister, err) }()

	if err = ValidateUsername(username); err != nil {
		return nil, "", err
	}
	if err = ValidatePassword(password); err != nil {
		return nil, "", err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, "", err
	}

	account, err = NewAccount(username, email, hash)
	if err != nil {
		return nil, "", err
	}

	// Nothing has been written yet; an aborted request must stay that way.
	if err = ctx.Err(); err != nil {
		return nil, "", oops.Code("AUTH_REGISTER_ABORTED").Wrap(err)
	}

	if err = s.accounts.Insert(ctx, account); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil, "", oops.Code(CodeUsernameTaken).
				With("username", username).
				Errorf("username is already taken")
		}
		return nil, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "insert account").
			Wrap(err)
	}

	// The account is committed at this point. A session failure leaves it in
	// place; the caller signs in with Authenticate.
	_, token, err = s.sessions.Create(ctx, account.ID)
	if err != nil {
		err = oops.With("account_id", account.ID.String()).
			With("username", account.Username).
			Wrap(err)
		errutil.LogErrorContext(ctx, s.logger, "account registered without a session", err)
		return nil, "", err
	}

	s.logger.InfoContext(ctx, "account registered",
		"account_id", account.ID.String(),
		"username", account.Username,
	)
	return account, token, nil
}

// Authenticate checks a username and password and opens a new session.
// Returns the session, the plaintext token, and any error.
func (s *CredentialService) Authenticate(ctx context.Context, username, password string) (session *Session, token string, err error) {
	ctx, span := tracer.Start(ctx, "auth.authenticate",
		trace.WithAttributes(attribute.String("auth.username", username)))
	defer func() { s.finish(ctx, span, OpAuthenticate, err) }()

	account, lookupErr := s.accounts.FindActiveByNormalizedName(ctx, NormalizeUsername(username))
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, "", oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "find account by username").
				Wrap(lookupErr)
		}
		// Burn the same verification cost as a real account.
		_, _ = s.hasher.Verify(password, dummyPasswordHash) //nolint:errcheck // result is irrelevant
		return nil, "", oops.Code(CodeUsernameNotFound).
			With("username", username).
			Errorf("no active account with that username")
	}

	valid, err := s.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		return nil, "", oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	if !valid {
		return nil, "", oops.Code(CodePasswordWrong).
			With("account_id", account.ID.String()).
			Errorf("password is incorrect")
	}

	s.upgradeHash(ctx, account, password)

	session, token, err = s.sessions.Create(ctx, account.ID)
	if err != nil {
		return nil, "", err
	}

	// A DeleteAccount that finished while the password was being verified
	// has already revoked every session it could see; drop this one too.
	if err = s.requireActive(ctx, account.ID); err != nil {
		if destroyErr := s.sessions.Destroy(ctx, token); destroyErr != nil {
			errutil.LogErrorContext(ctx, s.logger, "failed to revoke session of deleted account", destroyErr)
		}
		if HasCode(err, CodeSessionInvalid) {
			return nil, "", oops.Code(CodeUsernameNotFound).
				With("username", username).
				Errorf("no active account with that username")
		}
		return nil, "", err
	}
	return session, token, nil
}

// ResolveSession returns the live session for token, provided its account is
// still active. A session outliving its account fails with SESSION_INVALID and
// every session of that account is revoked.
func (s *CredentialService) ResolveSession(ctx context.Context, token string) (*Session, error) {
	session, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := s.requireActive(ctx, session.AccountID); err != nil {
		if HasCode(err, CodeSessionInvalid) {
			if destroyErr := s.sessions.DestroyAll(ctx, session.AccountID); destroyErr != nil {
				errutil.LogErrorContext(ctx, s.logger, "failed to revoke sessions of deleted account", destroyErr)
			}
		}
		return nil, err
	}
	return session, nil
}

// requireActive fails with SESSION_INVALID unless accountID names an active
// account. Repository failures keep their own code.
func (s *CredentialService) requireActive(ctx context.Context, accountID ulid.ULID) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code(CodeSessionInvalid).
				With("account_id", accountID.String()).
				Errorf("session account does not exist")
		}
		return oops.Code("AUTH_ACCOUNT_LOOKUP_FAILED").
			With("operation", "get account by id").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if !account.IsActive() {
		return oops.Code(CodeSessionInvalid).
			With("account_id", accountID.String()).
			Errorf("session account is not active")
	}
	return nil
}

// upgradeHash rewrites a legacy or outdated hash after a successful login.
// Failures are logged; the login still succeeds.
func (s *CredentialService) upgradeHash(ctx context.Context, account *Account, password string) {
	if !s.hasher.NeedsUpgrade(account.PasswordHash) {
		return
	}
	newHash, err := s.hasher.Hash(password)
	if err != nil {
		errutil.LogErrorContext(ctx, s.logger, "password hash upgrade failed", err)
		return
	}
	if err := s.accounts.UpdatePasswordHash(ctx, account.ID, newHash); err != nil {
		errutil.LogErrorContext(ctx, s.logger, "password hash upgrade failed", err)
		return
	}
	account.PasswordHash = newHash
	s.logger.InfoContext(ctx, "password hash upgraded", "account_id", account.ID.String())
}

// ChangePassword replaces the password of an authenticated account.
// A wrong current password fails with AUTH_FORBIDDEN and an unacceptable new
// password with AUTH_INVALID_PASSWORD; in both cases the stored hash is left
// untouched. Existing sessions remain valid.
func (s *CredentialService) ChangePassword(ctx context.Context, accountID ulid.ULID, currentPassword, newPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.change_password",
		trace.WithAttributes(attribute.String("auth.account_id", accountID.String())))
	defer func() { s.finish(ctx, span, OpChangePassword, err) }()

	account, err := s.activeAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if err = s.confirmPassword(account, currentPassword); err != nil {
		return err
	}

	if err = ValidatePassword(newPassword); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err = s.accounts.UpdatePasswordHash(ctx, account.ID, newHash); err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "update password hash").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "password changed", "account_id", account.ID.String())
	return nil
}

// Logout destroys the session identified by token.
func (s *CredentialService) Logout(ctx context.Context, token string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.logout")
	defer func() { s.finish(ctx, span, OpLogout, err) }()

	return s.sessions.Destroy(ctx, token)
}

// DeleteAccount soft-deletes an account after confirming its password and
// revokes all of its sessions. The username becomes available again.
func (s *CredentialService) DeleteAccount(ctx context.Context, accountID ulid.ULID, confirmPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.delete_account",
		trace.WithAttributes(attribute.String("auth.account_id", accountID.String())))
	defer func() { s.finish(ctx, span, OpDeleteAccount, err) }()

	account, err := s.activeAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if err = s.confirmPassword(account, confirmPassword); err != nil {
		return err
	}

	if err = s.accounts.SoftDelete(ctx, account.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code(CodeForbidden).
				With("account_id", account.ID.String()).
				Errorf("account is not active")
		}
		return oops.Code("AUTH_DELETE_FAILED").
			With("operation", "soft delete account").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	if err = s.sessions.DestroyAll(ctx, account.ID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "account deleted", "account_id", account.ID.String())
	return nil
}

// Account returns the active account with the given ID.
func (s *CredentialService) Account(ctx context.Context, accountID ulid.ULID) (*Account, error) {
	return s.activeAccount(ctx, accountID)
}

func (s *CredentialService) activeAccount(ctx context.Context, accountID ulid.ULID) (*Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeForbidden).
				With("account_id", accountID.String()).
				Errorf("account does not exist")
		}
		return nil, oops.Code("AUTH_ACCOUNT_LOOKUP_FAILED").
			With("operation", "get account by id").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if !account.IsActive() {
		return nil, oops.Code(CodeForbidden).
			With("account_id", accountID.String()).
			Errorf("account is not active")
	}
	return account, nil
}

// confirmPassword re-checks the password of an already identified account.
func (s *CredentialService) confirmPassword(account *Account, password string) error {
	valid, err := s.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		return oops.Code("AUTH_VERIFY_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	if !valid {
		return oops.Code(CodeForbidden).
			With("account_id", account.ID.String()).
			Errorf("password confirmation failed")
	}
	return nil
}

// finish closes the span and reports the outcome of an operation.
func (s *CredentialService) finish(ctx context.Context, span trace.Span, operation string, err error) {
	result := "ok"
	if err != nil {
		result = ErrorCode(err)
		if result == "" {
			result = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.DebugContext(ctx, "credential operation failed",
			"operation", operation,
			"code", result,
		)
	}
	span.SetAttributes(attribute.String("auth.result", result))
	span.End()
	s.recorder.RecordAuthOutcome(operation, result)
}
