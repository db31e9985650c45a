// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/porybox/identity/internal/auth"
	"github.com/porybox/identity/pkg/errutil"
)

// Route paths.
const (
	PathRegister       = "/api/v1/auth/local/register"
	PathLogin          = "/api/v1/auth/local"
	PathLogout         = "/api/v1/logout"
	PathChangePassword = "/api/v1/changePassword"
	PathMe             = "/api/v1/me"
)

// Handlers serves the credential endpoints.
type Handlers struct {
	service       *auth.CredentialService
	logger        *slog.Logger
	secureCookies bool
}

type registerRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type registerResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type changePasswordRequest struct {
	Password    string `json:"password"`
	NewPassword string `json:"newPassword"`
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

type accountResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// RegisterRoutes adds the credential routes to router. protect wraps the
// handlers that require a session.
func (h *Handlers) RegisterRoutes(router *mux.Router, protect func(http.Handler) http.Handler) {
	router.HandleFunc(PathRegister, h.register).Methods(http.MethodPost)
	router.HandleFunc(PathLogin, h.login).Methods(http.MethodPost)
	router.HandleFunc(PathLogout, h.logout).Methods(http.MethodPost)

	router.Handle(PathChangePassword, protect(http.HandlerFunc(h.changePassword))).Methods(http.MethodPost)
	router.Handle(PathMe, protect(http.HandlerFunc(h.me))).Methods(http.MethodGet)
	router.Handle(PathMe, protect(http.HandlerFunc(h.deleteAccount))).Methods(http.MethodDelete)
}

// register handles POST /api/v1/auth/local/register. A successful
// registration is also a login.
func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Absent fields reach the service as empty strings and fail its
	// username and password policies.
	account, token, err := h.service.Register(r.Context(), req.Name, req.Password, req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var expiresAt *time.Time
	if ttl := h.service.Sessions().TTL(); ttl > 0 {
		exp := time.Now().Add(ttl)
		expiresAt = &exp
	}
	h.setSessionCookie(w, token, expiresAt)
	writeJSON(w, http.StatusOK, registerResponse{
		ID:       account.ID.String(),
		Username: account.Username,
		Token:    token,
	})
}

// login handles POST /api/v1/auth/local.
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Name == "" || req.Password == "" {
		h.writeError(w, r, errMissingParams)
		return
	}

	session, token, err := h.service.Authenticate(r.Context(), req.Name, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: session.ExpiresAt})
}

// logout handles POST /api/v1/logout. Logging out without a session
// succeeds.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), SessionToken(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, struct{}{})
}

// changePassword handles POST /api/v1/changePassword.
func (h *Handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountIDFromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Password == "" || req.NewPassword == "" {
		h.writeError(w, r, errMissingParams)
		return
	}

	err := h.service.ChangePassword(r.Context(), accountID, req.Password, req.NewPassword)
	if auth.HasCode(err, auth.CodeInvalidPassword) {
		writeMessage(w, http.StatusBadRequest, msgPasswordInvalid)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// me handles GET /api/v1/me.
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountIDFromContext(r.Context())

	account, err := h.service.Account(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		ID:        account.ID.String(),
		Username:  account.Username,
		Email:     account.Email,
		CreatedAt: account.CreatedAt,
	})
}

// deleteAccount handles DELETE /api/v1/me.
func (h *Handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID, _ := AccountIDFromContext(r.Context())

	var req deleteAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Password == "" {
		h.writeError(w, r, errMissingParams)
		return
	}

	if err := h.service.DeleteAccount(r.Context(), accountID, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string, expiresAt *time.Time) {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if expiresAt != nil {
		cookie.Expires = *expiresAt
	}
	http.SetCookie(w, cookie)
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) logError(r *http.Request, msg string, err error) {
	errutil.LogErrorContext(r.Context(), h.logger, msg, err)
}
