// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/porybox/identity/internal/auth"
	"github.com/porybox/identity/internal/auth/memory"
	"github.com/porybox/identity/internal/auth/postgres"
	"github.com/porybox/identity/internal/auth/redisstore"
	"github.com/porybox/identity/internal/config"
	"github.com/porybox/identity/internal/logging"
	"github.com/porybox/identity/internal/observability"
	"github.com/porybox/identity/internal/store"
	"github.com/porybox/identity/internal/sweeper"
	"github.com/porybox/identity/internal/web"
	"github.com/porybox/identity/pkg/errutil"
)

const serviceName = "identityd"

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the identity HTTP service",
		Long: `Run the identity HTTP service: the credential endpoints, the session
gateway, the expired-session sweeper and the metrics/health listener.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

// backend holds the storage selected by configuration and releases it.
type backend struct {
	accounts auth.AccountRepository
	sessions auth.SessionStore
	closers  []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend connects the configured account and session storage,
// applying migrations first when asked to.
func openBackend(ctx context.Context, cfg *config.Config, deps *ServeDeps, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	if cfg.UsesPostgres() {
		if cfg.Database.Migrate {
			if err := migrateUp(cfg.Database.URL, deps.MigratorFactory, logger); err != nil {
				return nil, err
			}
		}

		pool, err := deps.PoolFactory(ctx, cfg.Database.URL, store.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			ConnectAttempts: cfg.Database.ConnectAttempts,
			RetryBase:       cfg.Database.RetryBase,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)

		if cfg.Storage == config.BackendPostgres {
			b.accounts = postgres.NewAccountRepository(pool)
		}
		if cfg.Sessions.Store == config.BackendPostgres {
			b.sessions = postgres.NewSessionStore(pool)
		}
	}

	if cfg.Storage == config.BackendMemory {
		logger.Warn("accounts are kept in memory and lost on restart")
		b.accounts = memory.NewAccountRepository()
	}

	switch cfg.Sessions.Store {
	case config.BackendMemory:
		b.sessions = memory.NewSessionStore()
	case config.BackendRedis:
		client, err := deps.RedisClientFactory(ctx, redisstore.ClientOptions{
			URL:      cfg.Redis.URL,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("error closing redis client", "error", err)
			}
		})
		b.sessions = redisstore.NewSessionStore(client, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}

	return b, nil
}

func migrateUp(url string, factory func(string) (Migrator, error), logger *slog.Logger) error {
	migrator, err := factory(url)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Warn("error closing migrator", "error", closeErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		return err
	}
	status, err := migrator.Status()
	if err != nil {
		return err
	}
	logger.Info("database schema ready", "version", status.Version, "migration", status.Name)
	return nil
}

// runServeWithDeps runs the service until a signal arrives, ctx is
// cancelled or a server fails. If deps is nil, default implementations are
// used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps = deps.withDefaults()

	path, err := resolveConfigFile()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.SetDefault(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool

	// The observability server owns the metrics registry, so it is created
	// before the components that record into it.
	var obsServer ObservabilityServer
	var metrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		metrics = obsServer.Metrics()
	}

	hasher, err := auth.NewArgon2idHasherWithParams(auth.Argon2Params{
		Time:    cfg.Argon2.Time,
		Memory:  cfg.Argon2.Memory,
		Threads: cfg.Argon2.Threads,
		SaltLen: cfg.Argon2.SaltLen,
		KeyLen:  cfg.Argon2.KeyLen,
	})
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer b.close()

	sessions, err := auth.NewSessionManager(b.sessions,
		auth.WithSessionTTL(cfg.Sessions.TTL),
		auth.WithSessionLogger(logger))
	if err != nil {
		return err
	}

	serviceOpts := []auth.CredentialServiceOption{auth.WithLogger(logger)}
	webOpts := web.Options{Logger: logger, SecureCookies: cfg.HTTP.SecureCookies}
	sweeperOpts := []sweeper.Option{sweeper.WithLogger(logger)}
	if metrics != nil {
		serviceOpts = append(serviceOpts, auth.WithRecorder(metrics))
		webOpts.Recorder = metrics
		sweeperOpts = append(sweeperOpts, sweeper.WithRecorder(metrics))
	}

	service, err := auth.NewCredentialService(b.accounts, sessions, hasher, serviceOpts...)
	if err != nil {
		return err
	}

	handler, err := web.NewHandler(service, webOpts)
	if err != nil {
		return err
	}

	var sweep *sweeper.Sweeper
	if cfg.Sessions.Sweep != "" {
		sweep, err = sweeper.New(cfg.Sessions.Sweep, sessions, sweeperOpts...)
		if err != nil {
			return err
		}
	}

	httpServer := deps.HTTPServerFactory(cfg.HTTP.Addr, handler, logger)
	httpErrCh, err := httpServer.Start()
	if err != nil {
		return err
	}
	go monitorServerErrors(ctx, cancel, httpErrCh, "http", logger)

	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			shutdown(cfg, logger, httpServer, nil, nil)
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
	}

	if sweep != nil {
		sweep.Start()
	}

	ready.Store(true)
	cmd.Println("identityd started")
	logger.Info("identity service ready",
		"http_addr", httpServer.Addr(),
		"storage", cfg.Storage,
		"session_store", cfg.Sessions.Store,
		"session_ttl", cfg.Sessions.TTL,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	shutdown(cfg, logger, httpServer, obsServer, sweep)
	logger.Info("shutdown complete")
	return nil
}

// shutdown stops the servers and the sweeper within the configured
// timeout. Nil components are skipped.
func shutdown(cfg *config.Config, logger *slog.Logger, httpServer HTTPServer, obsServer ObservabilityServer, sweep *sweeper.Sweeper) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		errutil.LogError(logger, "error stopping http server", err)
	}
	if sweep != nil {
		if err := sweep.Stop(shutdownCtx); err != nil {
			errutil.LogError(logger, "error stopping session sweeper", err)
		}
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			errutil.LogError(logger, "error stopping observability server", err)
		}
	}
}

// monitorServerErrors cancels ctx when a server reports a failure.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
