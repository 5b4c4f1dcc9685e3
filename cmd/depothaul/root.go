// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the DepotHaul CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "depothaul",
		Short: "DepotHaul - dedicated server depot downloader",
		Long: `DepotHaul logs onto the distribution platform, resolves an app to
its current depot manifest, and downloads or repairs the depot files
for a dedicated server install.`,
		SilenceUsage: true,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newTicketCmd())
	cmd.AddCommand(newExportTokenCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}
