// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/depothaul/depothaul/internal/cdn"
	"github.com/depothaul/depothaul/internal/config"
	"github.com/depothaul/depothaul/internal/depot"
	"github.com/depothaul/depothaul/internal/manifest"
	"github.com/depothaul/depothaul/internal/session"
)

// downloadConfig holds the flags of the download command that are not
// part of the persisted configuration.
type downloadConfig struct {
	username string
	force    bool
}

// newDownloadCmd creates the download subcommand.
func newDownloadCmd() *cobra.Command {
	cfg := &downloadConfig{}

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download or repair an app's depot files",
		Long: `Resolve the app to its current depot manifest, pick a CDN server,
and bring the install directory to the manifest's state: missing files
are downloaded, damaged files are repaired chunk by chunk, and files
that are already valid are left alone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDownload(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "", "account name (default: $DEPOTHAUL_USERNAME)")
	cmd.Flags().BoolVar(&cfg.force, "force", false, "revalidate even when the install is marked up to date")
	cmd.Flags().Uint32("app_id", 0, "app to download")
	cmd.Flags().String("install_dir", "", "destination directory")
	cmd.Flags().String("target_os", config.DefaultTargetOS, "depot operating system")

	return cmd
}

func runDownload(cmd *cobra.Command, dlCfg *downloadConfig) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	_, err = downloadDepot(cmd, a, dlCfg.username, dlCfg.force, nil)
	return err
}

// downloadDepot logs on and brings the install directory to the app's
// current manifest, returning the session the logon produced. Shared
// by download, setup, and serve; rec feeds the control plane's
// download counters when serve drives the run.
func downloadDepot(cmd *cobra.Command, a *app, username string, force bool, rec depot.Recorder) (session.Session, error) {
	if err := a.cfg.ValidateForDownload(); err != nil {
		return session.Session{}, err
	}

	ctx := cmd.Context()
	sess, err := a.login(ctx, username)
	if err != nil {
		return session.Session{}, err
	}

	resolver := manifest.NewResolver(a.client, a.logger)
	res, err := resolver.Resolve(ctx, a.cfg.AppID, a.cfg.TargetOS)
	if err != nil {
		return session.Session{}, err
	}

	selector := cdn.NewSelector(a.client, a.logger)
	server, err := selector.SelectServer(ctx, res.DepotID, a.cfg.AppID)
	if err != nil {
		return session.Session{}, err
	}
	code, err := selector.ManifestRequestCode(ctx, res.DepotID, res.ManifestID)
	if err != nil {
		return session.Session{}, err
	}

	skip, err := depot.NewSkipList(a.cfg.Download.SkipPatterns)
	if err != nil {
		return session.Session{}, err
	}
	engine := depot.NewEngine(cdn.NewClient(), a.logger,
		depot.WithWorkers(a.cfg.Download.Workers),
		depot.WithSkipList(skip),
		depot.WithRecorder(rec),
	)

	err = engine.Download(ctx, depot.Job{
		AppID:       a.cfg.AppID,
		DepotID:     res.DepotID,
		ManifestID:  res.ManifestID,
		TargetOS:    a.cfg.TargetOS,
		Server:      server,
		DepotKey:    res.DepotKey,
		RequestCode: code,
		DestDir:     a.cfg.InstallDir,
		Force:       force,
	})
	if err != nil {
		return session.Session{}, err
	}

	cmd.Printf("App %d is up to date in %s (manifest %d).\n",
		a.cfg.AppID, a.cfg.InstallDir, res.ManifestID)
	return sess, nil
}
