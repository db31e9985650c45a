// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/porybox/identity/internal/auth"
	"github.com/porybox/identity/internal/auth/postgres"
)

var _ = Describe("AccountRepository", func() {
	var (
		ctx  context.Context
		repo *postgres.AccountRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		repo = postgres.NewAccountRepository(testPool)
	})

	newAccount := func(name string) *auth.Account {
		account, err := auth.NewAccount(name, "", "$argon2id$hash")
		Expect(err).NotTo(HaveOccurred())
		return account
	}

	It("round-trips an account", func() {
		account := newAccount("Alice")
		Expect(repo.Insert(ctx, account)).To(Succeed())

		found, err := repo.FindActiveByNormalizedName(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(found.ID).To(Equal(account.ID))
		Expect(found.Username).To(Equal("Alice"))
		Expect(found.Status).To(Equal(auth.StatusActive))
	})

	It("rejects an active duplicate in any case", func() {
		Expect(repo.Insert(ctx, newAccount("Alice"))).To(Succeed())
		Expect(repo.Insert(ctx, newAccount("ALICE"))).To(MatchError(auth.ErrUsernameTaken))
	})

	It("releases the username on soft delete", func() {
		first := newAccount("bob")
		Expect(repo.Insert(ctx, first)).To(Succeed())
		Expect(repo.SoftDelete(ctx, first.ID)).To(Succeed())

		_, err := repo.FindActiveByNormalizedName(ctx, "bob")
		Expect(err).To(MatchError(auth.ErrNotFound))

		second := newAccount("Bob")
		Expect(repo.Insert(ctx, second)).To(Succeed())

		old, err := repo.GetByID(ctx, first.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(old.Status).To(Equal(auth.StatusDeleted))
		Expect(old.DeletedAt).NotTo(BeNil())

		Expect(repo.SoftDelete(ctx, first.ID)).To(MatchError(auth.ErrNotFound))
	})

	It("updates only active accounts", func() {
		account := newAccount("carol")
		Expect(repo.Insert(ctx, account)).To(Succeed())
		Expect(repo.UpdatePasswordHash(ctx, account.ID, "$argon2id$new")).To(Succeed())

		found, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(found.PasswordHash).To(Equal("$argon2id$new"))

		Expect(repo.SoftDelete(ctx, account.ID)).To(Succeed())
		Expect(repo.UpdatePasswordHash(ctx, account.ID, "$argon2id$newer")).To(MatchError(auth.ErrNotFound))
	})

	It("lets exactly one concurrent registration win", func() {
		const attempts = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
			taken   int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				err := repo.Insert(ctx, newAccount("Misty"))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					success++
				} else if Expect(err).To(MatchError(auth.ErrUsernameTaken)) {
					taken++
				}
			}()
		}
		wg.Wait()

		Expect(success).To(Equal(1))
		Expect(taken).To(Equal(attempts - 1))
	})
})

var _ = Describe("SessionStore", func() {
	var (
		ctx      context.Context
		store    *postgres.SessionStore
		account  *auth.Account
		now      time.Time
		accounts *postgres.AccountRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		store = postgres.NewSessionStore(testPool)
		accounts = postgres.NewAccountRepository(testPool)
		now = time.Now().UTC().Truncate(time.Microsecond)

		var err error
		account, err = auth.NewAccount("ash", "", "$argon2id$hash")
		Expect(err).NotTo(HaveOccurred())
		Expect(accounts.Insert(ctx, account)).To(Succeed())
	})

	newSession := func(expiresAt *time.Time) *auth.Session {
		_, hash, err := auth.GenerateSessionToken()
		Expect(err).NotTo(HaveOccurred())
		session, err := auth.NewSession(account.ID, hash, now, expiresAt)
		Expect(err).NotTo(HaveOccurred())
		return session
	}

	It("stores, touches and deletes a session", func() {
		session := newSession(nil)
		Expect(store.Create(ctx, session)).To(Succeed())

		found, err := store.GetByTokenHash(ctx, session.TokenHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(found.ID).To(Equal(session.ID))
		Expect(found.ExpiresAt).To(BeNil())

		later := now.Add(time.Minute)
		Expect(store.Touch(ctx, session.ID, later)).To(Succeed())
		found, err = store.GetByTokenHash(ctx, session.TokenHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(found.LastSeenAt).To(BeTemporally("==", later))

		Expect(store.Delete(ctx, session.ID)).To(Succeed())
		_, err = store.GetByTokenHash(ctx, session.TokenHash)
		Expect(err).To(MatchError(auth.ErrNotFound))
	})

	It("deletes every session of an account", func() {
		a, b := newSession(nil), newSession(nil)
		Expect(store.Create(ctx, a)).To(Succeed())
		Expect(store.Create(ctx, b)).To(Succeed())

		Expect(store.DeleteByAccount(ctx, account.ID)).To(Succeed())
		_, err := store.GetByTokenHash(ctx, a.TokenHash)
		Expect(err).To(MatchError(auth.ErrNotFound))
		_, err = store.GetByTokenHash(ctx, b.TokenHash)
		Expect(err).To(MatchError(auth.ErrNotFound))
	})

	It("sweeps only expired sessions", func() {
		soon := now.Add(time.Minute)
		late := now.Add(time.Hour)
		expiring := newSession(&soon)
		lasting := newSession(&late)
		forever := newSession(nil)
		for _, s := range []*auth.Session{expiring, lasting, forever} {
			Expect(store.Create(ctx, s)).To(Succeed())
		}

		n, err := store.DeleteExpired(ctx, now.Add(2*time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		_, err = store.GetByTokenHash(ctx, lasting.TokenHash)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.GetByTokenHash(ctx, forever.TokenHash)
		Expect(err).NotTo(HaveOccurred())
	})
})
