// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

// Package auth provides the identity and credential core of Porybox.
//
// # Domain Types
//
// Domain types (Account, Session) should be created using their
// constructors:
//   - NewAccount - creates an active Account with a validated username
//   - NewSession - creates a Session with a validated account and expiry
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
//
// # Usernames
//
// Usernames are unique case-insensitively among active accounts only.
// Deleting an account releases its username for new registrations.
//
// # Services
//
//   - CredentialService - registration, login, password change, logout and
//     account deletion
//   - SessionManager - issues and resolves opaque session tokens over a
//     SessionStore
//
// Business failures carry one of the Code* error codes; use ErrorCode or
// HasCode to inspect them.
package auth
