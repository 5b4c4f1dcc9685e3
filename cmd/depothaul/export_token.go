// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// exportTokenConfig holds configuration for the export-token command.
type exportTokenConfig struct {
	username string
}

// newExportTokenCmd creates the export-token subcommand.
func newExportTokenCmd() *cobra.Command {
	cfg := &exportTokenConfig{}

	cmd := &cobra.Command{
		Use:   "export-token",
		Short: "Print the saved session as JSON",
		Long: `Print the saved session (username and refresh token) as JSON for
other tooling. The token grants login access to the account; treat the
output as a secret.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExportToken(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "", "account name (default: $DEPOTHAUL_USERNAME)")

	return cmd
}

func runExportToken(cmd *cobra.Command, cfg *exportTokenConfig) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.login(cmd.Context(), cfg.username)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
