// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

//go:build integration

package download_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/depothaul/depothaul/internal/auth"
	"github.com/depothaul/depothaul/internal/cdn"
	"github.com/depothaul/depothaul/internal/depot"
	"github.com/depothaul/depothaul/internal/manifest"
	"github.com/depothaul/depothaul/internal/platform"
	"github.com/depothaul/depothaul/internal/platform/platformtest"
	"github.com/depothaul/depothaul/internal/session"
)

const (
	appID      = uint32(896660)
	depotID    = uint64(896661)
	manifestID = uint64(7340099)
)

func chunkID(path string, offset uint64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s@%d", path, offset))
	return hex.EncodeToString(sum[:8])
}

// fixture is the depot served for the end-to-end scenario: one small
// file that is already on disk, one directory entry, one file that
// must be downloaded.
type fixture struct {
	key         []byte
	presentData []byte
	freshData   []byte
	manifestRaw []byte
	chunks      map[string][]byte
}

func buildFixture() *fixture {
	f := &fixture{
		key:         make([]byte, 32),
		presentData: make([]byte, 100),
		freshData:   make([]byte, 4096),
		chunks:      map[string][]byte{},
	}
	for i := range f.key {
		f.key[i] = byte(i * 7)
	}
	for i := range f.presentData {
		f.presentData[i] = byte(i)
	}
	for i := range f.freshData {
		f.freshData[i] = byte(i % 251)
	}

	m := manifest.Manifest{DepotID: depotID, ManifestID: manifestID}
	addFile := func(path string, data []byte) {
		id := chunkID(path, 0)
		sealed, err := cdn.PackChunk(f.key, data)
		Expect(err).NotTo(HaveOccurred())
		f.chunks[id] = sealed
		m.Files = append(m.Files, manifest.FileEntry{
			Path:      path,
			TotalSize: uint64(len(data)),
			Chunks: []manifest.Chunk{{
				ID:                 id,
				Offset:             0,
				UncompressedLength: uint32(len(data)),
				Checksum:           depot.Checksum(data),
			}},
		})
	}
	addFile("config/server.cfg", f.presentData)
	m.Files = append(m.Files, manifest.FileEntry{
		Path: "logs", TotalSize: 0, Directory: true, Chunks: []manifest.Chunk{},
	})
	addFile("data/world.pak", f.freshData)

	raw, err := json.Marshal(m)
	Expect(err).NotTo(HaveOccurred())
	f.manifestRaw = raw
	return f
}

// edgeServer serves the fixture over the CDN wire paths and counts
// chunk requests.
func edgeServer(f *fixture, chunkGets *atomic.Int64) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/depot/%d/manifest/", depotID), func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(f.manifestRaw)
	})
	mux.HandleFunc(fmt.Sprintf("/depot/%d/chunk/", depotID), func(w http.ResponseWriter, r *http.Request) {
		chunkGets.Add(1)
		id := filepath.Base(r.URL.Path)
		sealed, ok := f.chunks[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(sealed)
	})
	return httptest.NewServer(mux)
}

// platformResponder scripts the full metadata conversation.
func platformResponder(f *fixture, edgeURL string) func(platform.Message) []platform.Message {
	u, err := url.Parse(edgeURL)
	Expect(err).NotTo(HaveOccurred())
	port, err := strconv.Atoi(u.Port())
	Expect(err).NotTo(HaveOccurred())

	return func(req platform.Message) []platform.Message {
		reply := platform.Message{Type: req.Type, JobID: req.JobID, Result: platform.ResultOK}
		switch req.Type {
		case platform.MsgLogOn:
			reply.Data = map[string]any{
				"username":      "operator",
				"refresh_token": "integration-token",
			}
		case platform.MsgOwnership:
		case platform.MsgAccessToken:
			reply.Data = map[string]any{"access_token": "meta-token"}
		case platform.MsgProductInfo:
			reply.Data = map[string]any{
				"depots": map[string]any{
					strconv.FormatUint(depotID, 10): map[string]any{
						"config": map[string]any{"oslist": "linux"},
						"manifests": map[string]any{
							"public": map[string]any{"gid": strconv.FormatUint(manifestID, 10)},
						},
					},
				},
			}
		case platform.MsgDepotKey:
			reply.Data = map[string]any{"depot_key": platform.EncodeBytes(f.key)}
		case platform.MsgCDNServers:
			reply.Data = map[string]any{
				"servers": []any{
					map[string]any{"host": u.Hostname(), "port": float64(port), "https": false},
				},
			}
		case platform.MsgRequestCode:
			reply.Data = map[string]any{"code": "c0ffee"}
		default:
			return nil
		}
		return []platform.Message{reply}
	}
}

var _ = Describe("Depot download end to end", func() {
	var (
		fix        *fixture
		edge       *httptest.Server
		chunkGets  atomic.Int64
		conn       *platformtest.FakeConn
		client     *platform.Client
		manager    *auth.Manager
		engine     *depot.Engine
		installDir string
		ctx        context.Context
	)

	download := func(force bool) error {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		resolver := manifest.NewResolver(client, logger)
		res, err := resolver.Resolve(ctx, appID, "linux")
		Expect(err).NotTo(HaveOccurred())

		selector := cdn.NewSelector(client, logger)
		server, err := selector.SelectServer(ctx, res.DepotID, appID)
		Expect(err).NotTo(HaveOccurred())
		code, err := selector.ManifestRequestCode(ctx, res.DepotID, res.ManifestID)
		Expect(err).NotTo(HaveOccurred())

		return engine.Download(ctx, depot.Job{
			AppID:       appID,
			DepotID:     res.DepotID,
			ManifestID:  res.ManifestID,
			TargetOS:    "linux",
			Server:      server,
			DepotKey:    res.DepotKey,
			RequestCode: code,
			DestDir:     installDir,
			Force:       force,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		fix = buildFixture()
		chunkGets.Store(0)
		edge = edgeServer(fix, &chunkGets)
		DeferCleanup(edge.Close)

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		conn = platformtest.NewFakeConn()
		conn.Respond = platformResponder(fix, edge.URL)
		client = platform.NewClient(conn, logger, platform.WithPollInterval(time.Millisecond))
		DeferCleanup(client.Disconnect)

		store, err := session.NewStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		manager = auth.NewManager(client, store, logger,
			auth.WithBackoffStep(time.Millisecond),
		)

		installDir = GinkgoT().TempDir()
		// The small file is already installed and valid.
		Expect(os.MkdirAll(filepath.Join(installDir, "config"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(installDir, "config", "server.cfg"), fix.presentData, 0o644)).To(Succeed())

		engine = depot.NewEngine(cdn.NewClient(), logger,
			depot.WithChunkRetryStep(time.Millisecond),
		)

		sess, err := manager.LoginWithToken(ctx, "operator", "stale")
		Expect(err).NotTo(HaveOccurred())
		Expect(sess.RefreshToken).To(Equal("integration-token"))
	})

	It("downloads only the missing file and records the marker", func() {
		Expect(download(false)).To(Succeed())

		By("leaving the valid file untouched and fetching one chunk")
		Expect(chunkGets.Load()).To(Equal(int64(1)))

		By("materializing the fresh file and the directory entry")
		got, err := os.ReadFile(filepath.Join(installDir, "data", "world.pak"))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(fix.freshData))
		info, err := os.Stat(filepath.Join(installDir, "logs"))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())

		By("counting one downloaded file in the marker")
		marker, ok, err := session.LoadMarker(installDir, appID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(marker.ManifestID).To(Equal(manifestID))
		Expect(marker.TotalFiles).To(Equal(1))
		Expect(marker.TotalBytes).To(Equal(uint64(4096)))
	})

	It("is idempotent on a second run", func() {
		Expect(download(false)).To(Succeed())
		fetched := chunkGets.Load()

		Expect(download(false)).To(Succeed())
		Expect(chunkGets.Load()).To(Equal(fetched), "second run must fetch nothing")
	})

	It("repairs damage found under --force", func() {
		Expect(download(false)).To(Succeed())
		fetched := chunkGets.Load()

		pak := filepath.Join(installDir, "data", "world.pak")
		Expect(os.WriteFile(pak, make([]byte, 4096), 0o644)).To(Succeed())

		Expect(download(true)).To(Succeed())
		Expect(chunkGets.Load()).To(Equal(fetched+1), "exactly the damaged file is refetched")

		got, err := os.ReadFile(pak)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(fix.freshData))
	})
})
