// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"github.com/spf13/cobra"
)

// loginConfig holds configuration for the login command.
type loginConfig struct {
	username string
}

// newLoginCmd creates the login subcommand.
func newLoginCmd() *cobra.Command {
	cfg := &loginConfig{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log onto the platform and save the session",
		Long: `Log onto the distribution platform and persist the refresh token
so later commands can log on without credentials. Credentials come
from DEPOTHAUL_REFRESH_TOKEN or DEPOTHAUL_PASSWORD; with neither set,
a device confirmation challenge is started and polled until the login
is approved on another device.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "", "account name (default: $DEPOTHAUL_USERNAME)")

	return cmd
}

func runLogin(cmd *cobra.Command, cfg *loginConfig) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.login(cmd.Context(), cfg.username)
	if err != nil {
		return err
	}

	cmd.Printf("Logged on as %s; session saved.\n", sess.Username)
	return nil
}
