// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"encoding/base64"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// ticketConfig holds configuration for the ticket command.
type ticketConfig struct {
	username string
}

// newTicketCmd creates the ticket subcommand.
func newTicketCmd() *cobra.Command {
	cfg := &ticketConfig{}

	cmd := &cobra.Command{
		Use:   "ticket [appID]",
		Short: "Request an app ownership ticket",
		Long: `Log on and request an ownership ticket for the app, given as an
argument or taken from the configuration. The ticket is printed to
stdout as base64 for use by game servers that authenticate against
the platform.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTicket(cmd, cfg, args)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "", "account name (default: $DEPOTHAUL_USERNAME)")
	cmd.Flags().Uint32("app_id", 0, "app to request a ticket for")

	return cmd
}

func runTicket(cmd *cobra.Command, cfg *ticketConfig, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return oops.Code("CONFIG_INVALID").
				With("arg", args[0]).
				Errorf("app ID must be a number")
		}
		a.cfg.AppID = uint32(id)
	}
	if a.cfg.AppID == 0 {
		return oops.Code("CONFIG_INVALID").Errorf("app_id is required")
	}

	ctx := cmd.Context()
	if _, err := a.login(ctx, cfg.username); err != nil {
		return err
	}

	ticket, err := a.manager.GetAppTicket(ctx, a.cfg.AppID)
	if err != nil {
		return err
	}

	cmd.Println(base64.StdEncoding.EncodeToString(ticket))
	return nil
}
