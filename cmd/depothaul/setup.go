// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/depothaul/depothaul/internal/auth"
	"github.com/depothaul/depothaul/internal/config"
	"github.com/depothaul/depothaul/internal/logging"
	"github.com/depothaul/depothaul/internal/platform"
	"github.com/depothaul/depothaul/internal/session"
	"github.com/depothaul/depothaul/pkg/errutil"
)

// Environment variables for non-interactive credentials.
const (
	envUsername     = "DEPOTHAUL_USERNAME"
	envPassword     = "DEPOTHAUL_PASSWORD"
	envRefreshToken = "DEPOTHAUL_REFRESH_TOKEN"
)

// app bundles the wired dependencies every subcommand needs.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *platform.Client
	manager *auth.Manager
	store   *session.Store
}

// newApp loads configuration, sets up logging, and wires the platform
// client. It does not connect; the first login attempt does.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger := logging.Setup("depothaul", version, cfg.LogFormat, nil)
	slog.SetDefault(logger)

	store, err := session.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	conn := platform.NewTCPConn(cfg.PlatformAddr, logger)
	client := platform.NewClient(conn, logger)
	manager := auth.NewManager(client, store, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		manager: manager,
		store:   store,
	}, nil
}

// Close disconnects from the platform.
func (a *app) Close() {
	a.client.Disconnect()
}

// login resolves credentials in priority order: a saved session for
// the username, a refresh token from the environment, a password from
// the environment, then a device confirmation challenge approved on
// another device.
func (a *app) login(ctx context.Context, username string) (session.Session, error) {
	if username == "" {
		username = os.Getenv(envUsername)
	}
	if username == "" {
		if names, err := a.store.Usernames(); err == nil && len(names) == 1 {
			username = names[0]
		}
	}
	if username == "" {
		return session.Session{}, oops.Code("LOGIN_NO_USERNAME").
			Errorf("no username: pass --username, set %s, or save a session with 'depothaul login'", envUsername)
	}

	if a.store.Has(username) {
		sess, err := a.manager.LoginWithSavedSession(ctx, username)
		if err == nil {
			return sess, nil
		}
		errutil.LogWarn(a.logger, "saved session logon failed, trying other credentials", err)
	}

	if token := os.Getenv(envRefreshToken); token != "" {
		return a.manager.LoginWithToken(ctx, username, token)
	}
	if password := os.Getenv(envPassword); password != "" {
		return a.manager.LoginWithPassword(ctx, username, password)
	}
	return a.manager.LoginWithDeviceChallenge(ctx, username)
}
