// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/samber/oops"

	"github.com/porybox/identity/internal/auth"
)

// Error bodies. Clients match on these strings.
const (
	msgBadUsername      = "Error.Passport.Bad.Username"
	msgPasswordInvalid  = "Error.Passport.Password.Invalid"
	msgUsernameTaken    = "Error.Passport.Username.Taken"
	msgUsernameNotFound = "Error.Passport.Username.NotFound"
	msgPasswordWrong    = "Error.Passport.Password.Wrong"
	msgForbidden        = "Error.Forbidden"
	msgSessionInvalid   = "Error.Session.Invalid"
	msgMissingParams    = "Error.Missing.Parameters"
	msgNotFound         = "Error.NotFound"
	msgMethodNotAllowed = "Error.MethodNotAllowed"
	msgInternal         = "Error.Internal"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

type failure struct {
	status  int
	message string
}

// failures maps public error codes to responses. Credential failures are
// 401 so that the body alone tells the client what went wrong.
var failures = map[string]failure{
	auth.CodeBadUsername:      {http.StatusUnauthorized, msgBadUsername},
	auth.CodeInvalidPassword:  {http.StatusUnauthorized, msgPasswordInvalid},
	auth.CodeUsernameTaken:    {http.StatusUnauthorized, msgUsernameTaken},
	auth.CodeUsernameNotFound: {http.StatusUnauthorized, msgUsernameNotFound},
	auth.CodePasswordWrong:    {http.StatusUnauthorized, msgPasswordWrong},
	auth.CodeForbidden:        {http.StatusForbidden, msgForbidden},
	auth.CodeSessionInvalid:   {http.StatusForbidden, msgSessionInvalid},
}

// errMissingParams marks a request without its required fields.
var errMissingParams = oops.Code("WEB_MISSING_PARAMS").Errorf("missing required parameters")

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect; nothing to do
	json.NewEncoder(w).Encode(body)
}

// writeMessage writes body as a bare JSON string.
func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, message)
}

// decodeJSON reads a JSON object into dst. Unknown fields are ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errMissingParams
		}
		return oops.Code("WEB_MALFORMED_BODY").Wrap(err)
	}
	return nil
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.ErrorCode(err)
	if f, ok := failures[code]; ok {
		writeMessage(w, f.status, f.message)
		return
	}
	switch code {
	case "WEB_MISSING_PARAMS", "WEB_MALFORMED_BODY":
		writeMessage(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	h.logError(r, "request failed", err)
	writeMessage(w, http.StatusInternalServerError, msgInternal)
}
