// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"
)

// httpTimeout bounds a single manifest or chunk request. Chunk retry
// budgets live in the download engine, not here.
const httpTimeout = 60 * time.Second

// Client fetches manifest and chunk payloads from a CDN edge server.
type Client struct {
	http *http.Client
}

// NewClient creates a CDN HTTP client.
func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: httpTimeout}}
}

// NewClientWithHTTP creates a CDN client over a caller-supplied
// http.Client, used by tests.
func NewClientWithHTTP(h *http.Client) *Client {
	return &Client{http: h}
}

// FetchManifest downloads the raw manifest document for a depot. The
// request code authorizes this depot+manifest pair on this server.
func (c *Client) FetchManifest(ctx context.Context, server Server, depotID, manifestID uint64, code string) ([]byte, error) {
	url := fmt.Sprintf("%s/depot/%d/manifest/%d/5/%s", server.URL(), depotID, manifestID, code)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, oops.Code("CDN_MANIFEST_FETCH_FAILED").
			With("depot_id", depotID).
			With("manifest_id", manifestID).
			With("server", server.Host).
			Wrap(err)
	}
	return body, nil
}

// FetchChunk downloads one sealed chunk payload by its CDN identifier.
func (c *Client) FetchChunk(ctx context.Context, server Server, depotID uint64, chunkID string) ([]byte, error) {
	url := fmt.Sprintf("%s/depot/%d/chunk/%s", server.URL(), depotID, chunkID)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, oops.Code("CDN_CHUNK_FETCH_FAILED").
			With("depot_id", depotID).
			With("chunk_id", chunkID).
			With("server", server.Host).
			Wrap(err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}
