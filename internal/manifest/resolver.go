// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package manifest

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/oops"

	"github.com/depothaul/depothaul/internal/platform"
)

// Requester is the slice of the platform client the resolver needs.
type Requester interface {
	Do(ctx context.Context, msg platform.Message) (platform.Message, error)
}

// Resolution identifies the depot to download and its decryption key.
type Resolution struct {
	DepotID    uint64
	ManifestID uint64
	DepotKey   []byte
}

// Resolver maps an application + target OS to a concrete depot,
// manifest, and decryption key via platform metadata.
type Resolver struct {
	client Requester
	logger *slog.Logger
}

// NewResolver creates a resolver over an established platform client.
func NewResolver(client Requester, logger *slog.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// Resolve verifies ownership, fetches product metadata, and picks the
// first depot whose OS tag matches targetOS, returning its "public"
// manifest and depot key. An explicit license denial is fatal; other
// non-OK ownership results are logged and tolerated.
func (r *Resolver) Resolve(ctx context.Context, appID uint32, targetOS string) (Resolution, error) {
	owned, err := r.client.Do(ctx, platform.Message{
		Type: platform.MsgOwnership,
		Data: map[string]any{"app_id": appID},
	})
	if err != nil {
		return Resolution{}, oops.Code("OWNERSHIP_CHECK_FAILED").
			With("app_id", appID).
			Wrap(err)
	}
	switch owned.Result {
	case platform.ResultOK:
	case platform.ResultAccessDenied:
		return Resolution{}, oops.Code("LICENSE_DENIED").
			With("app_id", appID).
			With("result", owned.Result.String()).
			Errorf("account does not own app %d", appID)
	default:
		r.logger.Warn("ownership check returned non-OK result, continuing",
			"app_id", appID,
			"result", owned.Result.String(),
		)
	}

	token, err := r.client.Do(ctx, platform.Message{
		Type: platform.MsgAccessToken,
		Data: map[string]any{"app_id": appID},
	})
	if err != nil {
		return Resolution{}, oops.Code("ACCESS_TOKEN_FAILED").
			With("app_id", appID).
			Wrap(err)
	}
	if token.Result != platform.ResultOK {
		return Resolution{}, oops.Code("ACCESS_TOKEN_DENIED").
			With("app_id", appID).
			With("result", token.Result.String()).
			Errorf("metadata access token denied")
	}

	info, err := r.client.Do(ctx, platform.Message{
		Type: platform.MsgProductInfo,
		Data: map[string]any{
			"app_id":       appID,
			"access_token": token.Str("access_token"),
		},
	})
	if err != nil {
		return Resolution{}, oops.Code("PRODUCT_INFO_FAILED").
			With("app_id", appID).
			Wrap(err)
	}
	if info.Result != platform.ResultOK {
		return Resolution{}, oops.Code("PRODUCT_INFO_DENIED").
			With("app_id", appID).
			With("result", info.Result.String()).
			Errorf("product metadata denied")
	}

	depotID, manifestID, ok := pickDepot(info.Map("depots"), targetOS)
	if !ok {
		return Resolution{}, oops.Code("MANIFEST_NOT_FOUND").
			With("app_id", appID).
			With("target_os", targetOS).
			With("depots", info.Map("depots")).
			Errorf("no depot matches target OS %q", targetOS)
	}

	key, err := r.client.Do(ctx, platform.Message{
		Type: platform.MsgDepotKey,
		Data: map[string]any{"app_id": appID, "depot_id": depotID},
	})
	if err != nil {
		return Resolution{}, oops.Code("DEPOT_KEY_FAILED").
			With("depot_id", depotID).
			Wrap(err)
	}
	if key.Result != platform.ResultOK || len(key.Bytes("depot_key")) == 0 {
		return Resolution{}, oops.Code("DEPOT_KEY_DENIED").
			With("depot_id", depotID).
			With("result", key.Result.String()).
			Errorf("depot decryption key denied")
	}

	r.logger.Info("resolved manifest",
		"app_id", appID,
		"depot_id", depotID,
		"manifest_id", manifestID,
	)
	return Resolution{
		DepotID:    depotID,
		ManifestID: manifestID,
		DepotKey:   key.Bytes("depot_key"),
	}, nil
}

// pickDepot scans the product's depot table for the first depot whose
// oslist matches targetOS and returns its "public" manifest reference.
func pickDepot(depots map[string]any, targetOS string) (depotID, manifestID uint64, ok bool) {
	// Deterministic scan order: numeric depot ID ascending.
	ids := make([]uint64, 0, len(depots))
	for id := range depots {
		n, parseErr := strconv.ParseUint(id, 10, 64)
		if parseErr != nil {
			continue
		}
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		depot, ok := depots[strconv.FormatUint(id, 10)].(map[string]any)
		if !ok {
			continue
		}
		if !osMatches(depot, targetOS) {
			continue
		}
		manifestID, ok := publicManifestID(depot)
		if !ok {
			continue
		}
		return id, manifestID, true
	}

	return 0, 0, false
}

func osMatches(depot map[string]any, targetOS string) bool {
	cfg, _ := depot["config"].(map[string]any)
	oslist, _ := cfg["oslist"].(string)
	for _, os := range strings.Split(oslist, ",") {
		if strings.TrimSpace(os) == targetOS {
			return true
		}
	}
	return false
}

// publicManifestID reads the depot's "public" manifest reference,
// tolerating both the nested {"gid": ...} form newer metadata uses and
// the flat value older schema versions emit.
func publicManifestID(depot map[string]any) (uint64, bool) {
	manifests, _ := depot["manifests"].(map[string]any)
	ref, ok := manifests["public"]
	if !ok {
		return 0, false
	}

	if nested, ok := ref.(map[string]any); ok {
		ref = nested["gid"]
	}

	switch v := ref.(type) {
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return 0, false
		}
		return n, true
	case float64:
		if v <= 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
