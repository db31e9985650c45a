// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package errutil

import (
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
)

// TestingT is the subset of *testing.T the assertions need.
type TestingT interface {
	Errorf(format string, args ...any)
	FailNow()
	Helper()
}

// AssertErrorCode asserts that err is an oops error whose code is the
// string code. Non-string codes fail, since callers match codes as strings.
func AssertErrorCode(t TestingT, err error, code string) {
	t.Helper()
	got, ok := stringCode(t, err)
	if !ok {
		return
	}
	assert.Equal(t, code, got, "error code of %v", err)
}

// AssertErrorContext asserts that err is an oops error carrying key with
// value anywhere in its wrap chain.
func AssertErrorContext(t TestingT, err error, key string, value any) {
	t.Helper()
	oopsErr, ok := asOops(t, err)
	if !ok {
		return
	}
	ctx := oopsErr.Context()
	if !assert.Contains(t, ctx, key, "error context of %v", err) {
		return
	}
	assert.Equal(t, value, ctx[key], "error context %q", key)
}

func stringCode(t TestingT, err error) (string, bool) {
	t.Helper()
	oopsErr, ok := asOops(t, err)
	if !ok {
		return "", false
	}
	code, ok := oopsErr.Code().(string)
	if !ok {
		t.Errorf("expected a string error code, got %T (%v)", oopsErr.Code(), oopsErr.Code())
		t.FailNow()
		return "", false
	}
	return code, true
}

func asOops(t TestingT, err error) (oops.OopsError, bool) {
	t.Helper()
	if err == nil {
		t.Errorf("expected an oops error, got nil")
		t.FailNow()
		return oops.OopsError{}, false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		t.Errorf("expected an oops error, got %T: %v", err, err)
		t.FailNow()
		return oops.OopsError{}, false
	}
	return oopsErr, true
}
