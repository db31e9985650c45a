// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrUsernameTaken is returned by AccountRepository.Insert when an active
// account already holds the normalized username.
var ErrUsernameTaken = errors.New("username taken")

// Error codes surfaced to callers of CredentialService and SessionManager.
const (
	CodeBadUsername      = "AUTH_BAD_USERNAME"
	CodeInvalidPassword  = "AUTH_INVALID_PASSWORD"
	CodeUsernameTaken    = "AUTH_USERNAME_TAKEN"
	CodeUsernameNotFound = "AUTH_USERNAME_NOT_FOUND"
	CodePasswordWrong    = "AUTH_PASSWORD_WRONG"
	CodeForbidden        = "AUTH_FORBIDDEN"
	CodeSessionInvalid   = "SESSION_INVALID"
)

// ErrorCode returns the oops code attached to err, or "" when err carries none.
func ErrorCode(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string) //nolint:errcheck // type assertion, not an error
	return code
}

// HasCode reports whether err carries the given oops code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
