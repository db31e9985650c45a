// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/porybox/identity/internal/auth"
	"github.com/porybox/identity/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// defaultConfigName is looked up in the XDG config directory when --config
// is not given.
const defaultConfigName = "identity.yaml"

// NewRootCmd creates the root command for the identityd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identityd",
		Short: "Porybox identity service",
		Long: `identityd owns porybox accounts and sessions: registration, password
login, password changes, logout and account deletion.

Configuration is read from --config, or from
$XDG_CONFIG_HOME/porybox/identity.yaml when that file exists.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// resolveConfigFile returns the explicit --config path or the XDG default
// when it exists. An empty result means defaults, environment and flags
// only.
func resolveConfigFile() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	path, ok, err := xdg.ConfigFile(defaultConfigName)
	if err != nil {
		if auth.HasCode(err, "XDG_NO_HOME") {
			return "", nil
		}
		return "", err
	}
	if !ok {
		return "", nil
	}
	return path, nil
}
