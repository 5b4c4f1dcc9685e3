// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package cdn selects content-delivery edge servers and fetches
// manifest and chunk payloads from them over HTTP.
package cdn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/oops"

	"github.com/depothaul/depothaul/internal/platform"
)

// Requester is the slice of the platform client the selector needs.
type Requester interface {
	Do(ctx context.Context, msg platform.Message) (platform.Message, error)
}

// Server is one CDN edge candidate.
type Server struct {
	Host string
	Port int
	TLS  bool
}

// URL returns the server's base URL.
func (s Server) URL() string {
	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port)
}

// Selector obtains edge servers and short-lived manifest request codes
// from the platform.
type Selector struct {
	client Requester
	logger *slog.Logger
}

// NewSelector creates a selector over an established platform client.
func NewSelector(client Requester, logger *slog.Logger) *Selector {
	return &Selector{client: client, logger: logger}
}

// SelectServer fetches the edge candidate list for a depot and picks
// the first entry. Picking the first trades resilience for simplicity;
// every candidate the platform returns is expected to be serviceable.
func (s *Selector) SelectServer(ctx context.Context, depotID uint64, appID uint32) (Server, error) {
	resp, err := s.client.Do(ctx, platform.Message{
		Type: platform.MsgCDNServers,
		Data: map[string]any{"depot_id": depotID, "app_id": appID},
	})
	if err != nil {
		return Server{}, oops.Code("CDN_SERVERS_FAILED").
			With("depot_id", depotID).
			Wrap(err)
	}
	if resp.Result != platform.ResultOK {
		return Server{}, oops.Code("CDN_SERVERS_DENIED").
			With("depot_id", depotID).
			With("result", resp.Result.String()).
			Errorf("server list request denied")
	}

	servers := parseServers(resp)
	if len(servers) == 0 {
		return Server{}, oops.Code("CDN_NO_SERVERS").
			With("depot_id", depotID).
			Errorf("platform returned no CDN candidates")
	}

	s.logger.Info("selected CDN server",
		"host", servers[0].Host,
		"candidates", len(servers),
	)
	return servers[0], nil
}

// ManifestRequestCode fetches the short-lived capability that
// authorizes fetching one depot+manifest pair from an edge server.
func (s *Selector) ManifestRequestCode(ctx context.Context, depotID, manifestID uint64) (string, error) {
	resp, err := s.client.Do(ctx, platform.Message{
		Type: platform.MsgRequestCode,
		Data: map[string]any{"depot_id": depotID, "manifest_id": manifestID},
	})
	if err != nil {
		return "", oops.Code("REQUEST_CODE_FAILED").
			With("depot_id", depotID).
			With("manifest_id", manifestID).
			Wrap(err)
	}
	if resp.Result != platform.ResultOK || resp.Str("code") == "" {
		return "", oops.Code("REQUEST_CODE_DENIED").
			With("depot_id", depotID).
			With("manifest_id", manifestID).
			With("result", resp.Result.String()).
			Errorf("manifest request code denied")
	}
	return resp.Str("code"), nil
}

func parseServers(resp platform.Message) []Server {
	raw, _ := resp.Data["servers"].([]any)
	var servers []Server
	for _, entry := range raw {
		doc, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		host, _ := doc["host"].(string)
		if host == "" {
			continue
		}
		port := 443
		if p, ok := doc["port"].(float64); ok && p > 0 {
			port = int(p)
		}
		tls := true
		if v, ok := doc["https"].(bool); ok {
			tls = v
		}
		servers = append(servers, Server{Host: host, Port: port, TLS: tls})
	}
	return servers
}
