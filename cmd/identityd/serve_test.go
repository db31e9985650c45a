// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porybox/identity/internal/auth/redisstore"
	"github.com/porybox/identity/internal/observability"
	"github.com/porybox/identity/internal/store"
	"github.com/porybox/identity/internal/web"
	"github.com/porybox/identity/pkg/errutil"
)

// mockObservabilityServer implements ObservabilityServer for testing.
type mockObservabilityServer struct {
	metrics   *observability.Metrics
	startFunc func() (<-chan error, error)
	stopped   bool
}

func (m *mockObservabilityServer) Start() (<-chan error, error) {
	if m.startFunc != nil {
		return m.startFunc()
	}
	return make(chan error, 1), nil
}

func (m *mockObservabilityServer) Stop(context.Context) error {
	m.stopped = true
	return nil
}

func (m *mockObservabilityServer) Addr() string { return "127.0.0.1:9100" }

func (m *mockObservabilityServer) Metrics() *observability.Metrics { return m.metrics }

// startedServer wraps the real web server and reports when it is listening.
type startedServer struct {
	*web.Server
	started chan string
}

func (s *startedServer) Start() (<-chan error, error) {
	errCh, err := s.Server.Start()
	if err == nil {
		s.started <- s.Server.Addr()
	}
	return errCh, err
}

// syncBuffer is written by the server goroutines and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestServeCmd(t *testing.T, args ...string) (*cobra.Command, *syncBuffer) {
	t.Helper()
	configFile = ""
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	cmd := NewServeCmd()
	out := new(syncBuffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, out
}

// runServe starts runServeWithDeps in the background and returns the bound
// API address plus a stop function yielding its result.
func runServe(t *testing.T, cmd *cobra.Command, deps *ServeDeps) (string, func() error) {
	t.Helper()
	started := make(chan string, 1)
	deps.HTTPServerFactory = func(addr string, handler http.Handler, logger *slog.Logger) HTTPServer {
		return &startedServer{Server: web.NewServer(addr, handler, logger), started: started}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServeWithDeps(ctx, cmd, deps) }()

	var addr string
	select {
	case addr = <-started:
	case err := <-done:
		cancel()
		t.Fatalf("serve exited before starting: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}

	return addr, func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return errors.New("serve did not stop")
		}
	}
}

func register(t *testing.T, addr, name, password string) *http.Response {
	t.Helper()
	body := strings.NewReader(`{"name":"` + name + `","password":"` + password + `"}`)
	resp, err := http.Post("http://"+addr+web.PathRegister, "application/json", body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServeCommand_Flags(t *testing.T) {
	cmd := NewServeCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	for _, flag := range []string{
		"--http-addr", "--metrics-addr", "--log-format", "--log-level",
		"--storage", "--session-store", "--session-ttl", "--session-sweep",
		"--database-url", "--migrate", "--redis-url", "--insecure-cookies",
	} {
		assert.Contains(t, buf.String(), flag)
	}
}

func TestRunServeWithDeps_MemoryBackends(t *testing.T) {
	cmd, out := newTestServeCmd(t,
		"--storage=memory", "--session-store=memory",
		"--http-addr=127.0.0.1:0", "--metrics-addr=",
		"--insecure-cookies")

	addr, stop := runServe(t, cmd, &ServeDeps{})

	resp := register(t, addr, "ash", "pikachu123")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, web.ContentSecurityPolicy, resp.Header.Get("Content-Security-Policy"))

	var created struct {
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "ash", created.Username)
	assert.NotEmpty(t, created.Token)

	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.False(t, cookies[0].Secure, "--insecure-cookies drops the Secure attribute")

	require.NoError(t, stop())
	assert.Contains(t, out.String(), "identityd started")
	assert.Contains(t, out.String(), "shutdown complete")
}

func TestRunServeWithDeps_RecordsMetrics(t *testing.T) {
	cmd, _ := newTestServeCmd(t,
		"--storage=memory", "--session-store=memory",
		"--http-addr=127.0.0.1:0", "--metrics-addr=127.0.0.1:0")

	obs := &mockObservabilityServer{metrics: observability.NewMetrics(prometheus.NewRegistry())}
	deps := &ServeDeps{
		ObservabilityServerFactory: func(_ string, _ observability.ReadinessChecker) ObservabilityServer {
			return obs
		},
	}
	addr, stop := runServe(t, cmd, deps)

	assert.Equal(t, http.StatusOK, register(t, addr, "misty", "starmie123").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, register(t, addr, "MISTY", "starmie123").StatusCode)

	require.NoError(t, stop())
	assert.True(t, obs.stopped)
	m := obs.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthOperations.WithLabelValues("register", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthOperations.WithLabelValues("register", "AUTH_USERNAME_TAKEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(web.PathRegister, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(web.PathRegister, "401")))
}

func TestRunServeWithDeps_RedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cmd, _ := newTestServeCmd(t,
		"--storage=memory", "--session-store=redis",
		"--redis-url=redis://"+mr.Addr(),
		"--http-addr=127.0.0.1:0", "--metrics-addr=")

	var gotURL string
	deps := &ServeDeps{
		RedisClientFactory: func(_ context.Context, opts redisstore.ClientOptions) (*redis.Client, error) {
			gotURL = opts.URL
			return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
		},
	}
	addr, stop := runServe(t, cmd, deps)

	assert.Equal(t, http.StatusOK, register(t, addr, "brock", "onix12345").StatusCode)
	require.NoError(t, stop())

	assert.Equal(t, "redis://"+mr.Addr(), gotURL)
	var sessionKeys int
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "identity:session:") {
			sessionKeys++
		}
	}
	assert.Equal(t, 1, sessionKeys)
}

func TestRunServeWithDeps_PostgresMigratesBeforeConnecting(t *testing.T) {
	cmd, _ := newTestServeCmd(t,
		"--database-url=postgres://identity@db/identity",
		"--http-addr=127.0.0.1:0", "--metrics-addr=")

	migrator := &mockMigrator{}
	migrator.On("Up").Return(nil).Once()
	migrator.On("Status").Return(&store.MigrationStatus{Version: 1, Name: "000001_initial"}, nil).Once()
	migrator.On("Close").Return(nil).Once()

	var order []string
	deps := &ServeDeps{
		MigratorFactory: func(url string) (Migrator, error) {
			order = append(order, "migrate")
			assert.Equal(t, "postgres://identity@db/identity", url)
			return migrator, nil
		},
		PoolFactory: func(_ context.Context, _ string, opts store.PoolOptions) (*pgxpool.Pool, error) {
			order = append(order, "pool")
			assert.Equal(t, int32(10), opts.MaxConns)
			return nil, errors.New("connection refused")
		},
	}

	err := runServeWithDeps(context.Background(), cmd, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, []string{"migrate", "pool"}, order)
	migrator.AssertExpectations(t)
}

func TestRunServeWithDeps_MigrationFailure(t *testing.T) {
	cmd, _ := newTestServeCmd(t,
		"--database-url=postgres://identity@db/identity",
		"--http-addr=127.0.0.1:0", "--metrics-addr=")

	migrator := &mockMigrator{}
	migrator.On("Up").Return(errors.New("dirty database")).Once()
	migrator.On("Close").Return(nil).Once()

	deps := &ServeDeps{
		MigratorFactory: func(string) (Migrator, error) { return migrator, nil },
		PoolFactory: func(context.Context, string, store.PoolOptions) (*pgxpool.Pool, error) {
			t.Fatal("pool must not be opened after a failed migration")
			return nil, nil
		},
	}

	err := runServeWithDeps(context.Background(), cmd, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty database")
	migrator.AssertExpectations(t)
	migrator.AssertNotCalled(t, "Status")
}

func TestRunServeWithDeps_SkipsMigrationWhenDisabled(t *testing.T) {
	cmd, _ := newTestServeCmd(t,
		"--database-url=postgres://identity@db/identity", "--migrate=false",
		"--http-addr=127.0.0.1:0", "--metrics-addr=")

	deps := &ServeDeps{
		MigratorFactory: func(string) (Migrator, error) {
			t.Fatal("migrator must not be created with --migrate=false")
			return nil, nil
		},
		PoolFactory: func(context.Context, string, store.PoolOptions) (*pgxpool.Pool, error) {
			return nil, errors.New("connection refused")
		},
	}

	require.Error(t, runServeWithDeps(context.Background(), cmd, deps))
}

func TestRunServeWithDeps_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code string
	}{
		{
			name: "postgres without url",
			args: []string{"--storage=postgres"},
			code: "CONFIG_INVALID",
		},
		{
			name: "redis without url",
			args: []string{"--storage=memory", "--session-store=redis"},
			code: "CONFIG_INVALID",
		},
		{
			name: "bad sweep schedule",
			args: []string{"--storage=memory", "--session-store=memory", "--session-sweep=sometimes"},
			code: "CONFIG_INVALID",
		},
		{
			name: "unknown log level",
			args: []string{"--storage=memory", "--session-store=memory", "--log-level=chatty"},
			code: "LOG_LEVEL_INVALID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, _ := newTestServeCmd(t, tt.args...)
			err := runServeWithDeps(context.Background(), cmd, nil)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestRunServeWithDeps_HTTPStartFailure(t *testing.T) {
	cmd, _ := newTestServeCmd(t,
		"--storage=memory", "--session-store=memory",
		"--http-addr=256.0.0.1:bad", "--metrics-addr=")

	err := runServeWithDeps(context.Background(), cmd, nil)
	errutil.AssertErrorCode(t, err, "WEB_LISTEN_FAILED")
}

func TestRunServeWithDeps_ObservabilityStartFailure(t *testing.T) {
	cmd, _ := newTestServeCmd(t,
		"--storage=memory", "--session-store=memory",
		"--http-addr=127.0.0.1:0", "--metrics-addr=127.0.0.1:0")

	deps := &ServeDeps{
		ObservabilityServerFactory: func(string, observability.ReadinessChecker) ObservabilityServer {
			return &mockObservabilityServer{
				metrics: observability.NewMetrics(prometheus.NewRegistry()),
				startFunc: func() (<-chan error, error) {
					return nil, errors.New("address in use")
				},
			}
		},
	}

	err := runServeWithDeps(context.Background(), cmd, deps)
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_START_FAILED")
}

func TestRunServeWithDeps_ServerErrorTriggersShutdown(t *testing.T) {
	cmd, out := newTestServeCmd(t,
		"--storage=memory", "--session-store=memory",
		"--http-addr=127.0.0.1:0", "--metrics-addr=127.0.0.1:0")

	obsErrCh := make(chan error, 1)
	deps := &ServeDeps{
		ObservabilityServerFactory: func(string, observability.ReadinessChecker) ObservabilityServer {
			return &mockObservabilityServer{
				metrics: observability.NewMetrics(prometheus.NewRegistry()),
				startFunc: func() (<-chan error, error) {
					return obsErrCh, nil
				},
			}
		},
	}

	_, stop := runServe(t, cmd, deps)
	obsErrCh <- errors.New("listener died")

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "shutdown complete")
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Contains(t, out.String(), "server error, triggering shutdown")
}

func TestMonitorServerErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(new(bytes.Buffer), nil))

	t.Run("closed channel does not cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error)
		close(errCh)

		monitorServerErrors(ctx, cancel, errCh, "test", logger)
		assert.NoError(t, ctx.Err())
	})

	t.Run("error cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		errCh <- errors.New("boom")

		monitorServerErrors(ctx, cancel, errCh, "test", logger)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("returns when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		monitorServerErrors(ctx, cancel, make(chan error), "test", logger)
	})
}
