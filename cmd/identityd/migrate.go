// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package main

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/porybox/identity/internal/config"
)

// NewMigrateCmd creates the migrate subcommand and its children.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmd(nil)
}

func newMigrateCmd(deps *MigrateDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Manage the PostgreSQL schema. Without a subcommand, applies all
pending migrations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrateWithDeps(cmd, deps, func(m Migrator) error {
				cmd.Println("Running migrations...")
				if err := m.Up(); err != nil {
					return err
				}
				return printStatus(cmd, m)
			})
		},
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string (default $"+config.EnvDatabaseURL+")")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrateWithDeps(cmd, deps, func(m Migrator) error {
					if err := m.Up(); err != nil {
						return err
					}
					return printStatus(cmd, m)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrateWithDeps(cmd, deps, func(m Migrator) error {
					if err := m.Down(); err != nil {
						return err
					}
					return printStatus(cmd, m)
				})
			},
		},
		&cobra.Command{
			Use:   "steps N",
			Short: "Apply (N > 0) or roll back (N < 0) N migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n == 0 {
					return oops.Code("MIGRATION_INVALID_ARGUMENT").With("steps", args[0]).Errorf("steps must be a non-zero integer")
				}
				return runMigrateWithDeps(cmd, deps, func(m Migrator) error {
					if err := m.Steps(n); err != nil {
						return err
					}
					return printStatus(cmd, m)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrateWithDeps(cmd, deps, func(m Migrator) error {
					return printStatus(cmd, m)
				})
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations",
			Long: `Set the recorded schema version and clear the dirty flag without
running any migration. Use after repairing a failed migration by hand.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil || version < 0 {
					return oops.Code("MIGRATION_INVALID_ARGUMENT").With("version", args[0]).Errorf("version must be a non-negative integer")
				}
				return runMigrateWithDeps(cmd, deps, func(m Migrator) error {
					if err := m.Force(version); err != nil {
						return err
					}
					return printStatus(cmd, m)
				})
			},
		},
	)
	return cmd
}

// runMigrateWithDeps resolves the database URL, opens a migrator and runs
// fn against it. If deps is nil, default implementations are used.
func runMigrateWithDeps(cmd *cobra.Command, deps *MigrateDeps, fn func(Migrator) error) error {
	factory := defaultMigratorFactory
	if deps != nil && deps.MigratorFactory != nil {
		factory = deps.MigratorFactory
	}

	path, err := resolveConfigFile()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database url is required (--database-url or $%s)", config.EnvDatabaseURL)
	}

	cmd.Println("Connecting to database...")
	migrator, err := factory(cfg.Database.URL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "open migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			cmd.PrintErrln("Warning: failed to close migrator:", closeErr)
		}
	}()

	return fn(migrator)
}

func printStatus(cmd *cobra.Command, m Migrator) error {
	status, err := m.Status()
	if err != nil {
		return err
	}

	name := status.Name
	if name == "" {
		name = "none"
	}
	cmd.Printf("Schema version: %d (%s)\n", status.Version, name)
	if status.Dirty {
		cmd.Println("WARNING: schema is dirty; repair it and run 'migrate force'")
	}
	cmd.Printf("Applied: %s\n", joinVersions(status.Applied))
	cmd.Printf("Pending: %s\n", joinVersions(status.Pending))
	return nil
}

func joinVersions(versions []uint) string {
	if len(versions) == 0 {
		return "none"
	}
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ", ")
}
