// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/depothaul/depothaul/internal/config"
	"github.com/depothaul/depothaul/internal/observability"
	"github.com/depothaul/depothaul/internal/session"
)

// serveConfig holds configuration for the serve command.
type serveConfig struct {
	username string
	update   bool
}

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	cfg := &serveConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Stay logged on and serve the local control plane",
		Long: `Log on, keep the session alive, and serve HTTP endpoints for other
processes on this host: Prometheus metrics, health probes, the live
session token, and on-demand app tickets. With --update the install
is first brought up to date and the run feeds the download counters.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "", "account name (default: $DEPOTHAUL_USERNAME)")
	// Not named "download": that would collide with the download.*
	// config keys when the flag set is merged into the configuration.
	cmd.Flags().BoolVar(&cfg.update, "update", false, "bring the install up to date before serving")
	cmd.Flags().String("serve.addr", config.DefaultServeAddr, "control plane listen address")

	return cmd
}

func runServe(cmd *cobra.Command, cfg *serveConfig) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// The session the /token endpoint hands out. Assigned once below,
	// before the server starts; read-only afterwards.
	var sess session.Session

	server := observability.NewServer(a.cfg.Serve.Addr,
		a.manager.LoggedOn,
		observability.WithTicketIssuer(a.manager),
		observability.WithSessionSource(func() (session.Session, bool) {
			return sess, sess.RefreshToken != ""
		}),
	)

	if cfg.update {
		sess, err = downloadDepot(cmd, a, cfg.username, false, server.Metrics())
	} else {
		sess, err = a.login(ctx, cfg.username)
	}
	if err != nil {
		return err
	}
	server.Metrics().LogonsTotal.WithLabelValues("OK").Inc()

	errCh, err := server.Start()
	if err != nil {
		return err
	}
	go func() {
		if serveErr, ok := <-errCh; ok && serveErr != nil {
			slog.Error("control plane failed, shutting down", "error", serveErr)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Printf("Serving control plane on %s as %s.\n", server.Addr(), sess.Username)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping control plane", "error", err)
	}
	return nil
}
