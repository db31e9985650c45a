// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/porybox/identity/internal/auth"
	"github.com/porybox/identity/internal/auth/postgres"
	"github.com/porybox/identity/internal/auth/redisstore"
	"github.com/porybox/identity/internal/web"
)

// client is a browser-like API client with its own cookie jar.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	return &client{base: base, http: &http.Client{Jar: jar}}
}

// do sends body as JSON and returns the status and the raw response body.
func (c *client) do(method, path string, body any) (int, string) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, strings.TrimSpace(string(raw))
}

func credentials(name, password string) map[string]string {
	return map[string]string{"name": name, "password": password}
}

// startService wires the credential service over postgres accounts and the
// given session store behind a test HTTP server.
func startService(sessions auth.SessionStore) string {
	logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))

	hasher, err := auth.NewArgon2idHasherWithParams(auth.Argon2Params{
		Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32,
	})
	Expect(err).NotTo(HaveOccurred())

	manager, err := auth.NewSessionManager(sessions, auth.WithSessionLogger(logger))
	Expect(err).NotTo(HaveOccurred())

	service, err := auth.NewCredentialService(postgres.NewAccountRepository(testPool), manager, hasher,
		auth.WithLogger(logger))
	Expect(err).NotTo(HaveOccurred())

	handler, err := web.NewHandler(service, web.Options{Logger: logger})
	Expect(err).NotTo(HaveOccurred())

	srv := httptest.NewServer(handler)
	DeferCleanup(srv.Close)
	return srv.URL
}

var _ = Describe("Identity service", func() {
	lifecycle := func(base func() string) {
		It("walks an account from registration to deletion", func() {
			ash := newClient(base())

			status, body := ash.do(http.MethodPost, web.PathRegister, credentials("Ash", "pikachu123"))
			Expect(status).To(Equal(http.StatusOK), body)

			status, body = ash.do(http.MethodGet, web.PathMe, nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(`"username":"Ash"`))

			By("rejecting the same name in another case")
			status, body = newClient(base()).do(http.MethodPost, web.PathRegister, credentials("ASH", "charizard1"))
			Expect(status).To(Equal(http.StatusUnauthorized))
			Expect(body).To(Equal(`"Error.Passport.Username.Taken"`))

			By("changing the password")
			status, _ = ash.do(http.MethodPost, web.PathChangePassword, map[string]string{
				"password": "pikachu123", "newPassword": "raichu4567",
			})
			Expect(status).To(Equal(http.StatusOK))

			By("logging out")
			status, _ = ash.do(http.MethodPost, web.PathLogout, nil)
			Expect(status).To(Equal(http.StatusOK))
			status, body = ash.do(http.MethodGet, web.PathMe, nil)
			Expect(status).To(Equal(http.StatusForbidden))
			Expect(body).To(Equal(`"Error.Session.Invalid"`))

			By("logging in with the new password only")
			status, body = ash.do(http.MethodPost, web.PathLogin, credentials("ash", "pikachu123"))
			Expect(status).To(Equal(http.StatusUnauthorized))
			Expect(body).To(Equal(`"Error.Passport.Password.Wrong"`))
			status, _ = ash.do(http.MethodPost, web.PathLogin, credentials("ash", "raichu4567"))
			Expect(status).To(Equal(http.StatusOK))

			By("deleting the account")
			status, _ = ash.do(http.MethodDelete, web.PathMe, map[string]string{"password": "raichu4567"})
			Expect(status).To(Equal(http.StatusOK))
			status, body = ash.do(http.MethodPost, web.PathLogin, credentials("Ash", "raichu4567"))
			Expect(status).To(Equal(http.StatusUnauthorized))
			Expect(body).To(Equal(`"Error.Passport.Username.NotFound"`))

			By("letting someone else claim the name")
			status, _ = newClient(base()).do(http.MethodPost, web.PathRegister, credentials("ash", "squirtle99"))
			Expect(status).To(Equal(http.StatusOK))
		})

		It("revokes every session of a deleted account", func() {
			laptop := newClient(base())
			phone := newClient(base())

			status, _ := laptop.do(http.MethodPost, web.PathRegister, credentials("misty", "starmie123"))
			Expect(status).To(Equal(http.StatusOK))
			status, _ = phone.do(http.MethodPost, web.PathLogin, credentials("misty", "starmie123"))
			Expect(status).To(Equal(http.StatusOK))

			status, _ = laptop.do(http.MethodDelete, web.PathMe, map[string]string{"password": "starmie123"})
			Expect(status).To(Equal(http.StatusOK))

			status, _ = phone.do(http.MethodGet, web.PathMe, nil)
			Expect(status).To(Equal(http.StatusForbidden))
		})
	}

	Context("with postgres sessions", func() {
		var base string
		BeforeEach(func() {
			resetDatabase()
			base = startService(postgres.NewSessionStore(testPool))
		})

		lifecycle(func() string { return base })
	})

	Context("with redis sessions", func() {
		var base string
		BeforeEach(func() {
			resetDatabase()
			mr := miniredis.NewMiniRedis()
			Expect(mr.Start()).To(Succeed())
			DeferCleanup(mr.Close)

			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			DeferCleanup(rdb.Close)
			base = startService(redisstore.NewSessionStore(rdb))
		})

		lifecycle(func() string { return base })
	})
})
