// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the diracx command-line application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "diracx",
	DisableAutoGenTag: true,
	Short:             "diracx is the control-plane service for a multi-VO distributed computing installation",
	Long: `diracx brokers user identity from per-VO OIDC providers into
capability-scoped tokens, serves the installation configuration, and
mediates job, pilot and sandbox bookkeeping for every virtual
organization of the installation.

All configuration comes from DIRACX_-prefixed environment variables.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the diracx service.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sandboxCleanCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
