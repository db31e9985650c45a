// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"github.com/porybox/identity/internal/auth"
	"github.com/porybox/identity/pkg/errutil"
)

// ContentSecurityPolicy is sent on every response.
const ContentSecurityPolicy = "default-src 'self' ; " +
	"script-src 'self' 'unsafe-inline' *.google-analytics.com; " +
	"style-src 'self' 'unsafe-inline' https://fonts.googleapis.com; " +
	"img-src * data:; " +
	"font-src 'self' https://fonts.gstatic.com; " +
	"connect-src *; " +
	"frame-ancestors 'self' ; " +
	"form-action 'self' ; " +
	"reflected-xss block;"

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "porybox_session"

// SessionResolver turns a session token into a live session of an active
// account. *auth.CredentialService implements it.
type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (*auth.Session, error)
}

// RequestRecorder receives one observation per HTTP request.
type RequestRecorder interface {
	RecordHTTPRequest(route string, status int, elapsed time.Duration)
}

type contextKey int

const sessionKey contextKey = iota

// SessionFromContext returns the session attached by RequireSession.
func SessionFromContext(ctx context.Context) (*auth.Session, bool) {
	session, ok := ctx.Value(sessionKey).(*auth.Session)
	return session, ok && session != nil
}

// AccountIDFromContext returns the authenticated account attached by
// RequireSession.
func AccountIDFromContext(ctx context.Context) (ulid.ULID, bool) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return ulid.ULID{}, false
	}
	return session.AccountID, true
}

// SessionToken extracts the session token from the session cookie or, when
// absent, from an "Authorization: Bearer" header.
func SessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SecurityHeaders sets the browser hardening headers on every response,
// including errors produced further down the chain.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", ContentSecurityPolicy)
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects requests without a live session with 403 and
// attaches the session to the request context otherwise.
func RequireSession(resolver SessionResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := SessionToken(r)
			if token == "" {
				writeMessage(w, http.StatusForbidden, msgSessionInvalid)
				return
			}

			session, err := resolver.ResolveSession(r.Context(), token)
			if err != nil {
				if !auth.HasCode(err, auth.CodeSessionInvalid) {
					errutil.LogErrorContext(r.Context(), logger, "session lookup failed", err)
					writeMessage(w, http.StatusInternalServerError, msgInternal)
					return
				}
				writeMessage(w, http.StatusForbidden, msgSessionInvalid)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, session)))
		})
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) code() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// unmatchedRoute labels requests that no route accepted.
const unmatchedRoute = "unmatched"

func routeTemplate(router *mux.Router, r *http.Request) string {
	var match mux.RouteMatch
	if !router.Match(r, &match) || match.Route == nil {
		return unmatchedRoute
	}
	tpl, err := match.Route.GetPathTemplate()
	if err != nil {
		return unmatchedRoute
	}
	return tpl
}

// Instrument logs every request and reports it to recorder. Routes are
// labelled by template so that path parameters do not explode label
// cardinality.
func Instrument(router *mux.Router, logger *slog.Logger, recorder RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			route := routeTemplate(router, r)
			if recorder != nil {
				recorder.RecordHTTPRequest(route, rw.code(), elapsed)
			}
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", rw.code(),
				"duration", elapsed,
			)
		})
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic in http handler",
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeMessage(w, http.StatusInternalServerError, msgInternal)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
