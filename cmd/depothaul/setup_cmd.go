// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/depothaul/depothaul/internal/config"
)

// setupConfig holds configuration for the setup command.
type setupConfig struct {
	username string
}

// newSetupCmd creates the setup subcommand.
func newSetupCmd() *cobra.Command {
	cfg := &setupConfig{}

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "First-time setup: log on and download the app",
		Long: `Log onto the platform (starting a device confirmation challenge if
no credentials are available), save the session, and download the
configured app into the install directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSetup(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "", "account name (default: $DEPOTHAUL_USERNAME)")
	cmd.Flags().Uint32("app_id", 0, "app to download")
	cmd.Flags().String("install_dir", "", "destination directory")
	cmd.Flags().String("target_os", config.DefaultTargetOS, "depot operating system")

	return cmd
}

func runSetup(cmd *cobra.Command, cfg *setupConfig) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	_, err = downloadDepot(cmd, a, cfg.username, false, nil)
	return err
}
