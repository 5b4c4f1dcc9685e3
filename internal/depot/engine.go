// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package depot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/depothaul/depothaul/internal/cdn"
	"github.com/depothaul/depothaul/internal/manifest"
	"github.com/depothaul/depothaul/internal/session"
)

// Chunk retry policy: 3 attempts with linear backoff (step × attempt).
const (
	chunkAttempts         = 3
	defaultChunkRetryStep = time.Second
	progressEvery         = 100
)

// Fetcher is the slice of the CDN client the engine needs.
type Fetcher interface {
	FetchManifest(ctx context.Context, server cdn.Server, depotID, manifestID uint64, code string) ([]byte, error)
	FetchChunk(ctx context.Context, server cdn.Server, depotID uint64, chunkID string) ([]byte, error)
}

// Recorder counts download events for the control plane's metrics.
type Recorder interface {
	AddChunkDownloaded()
	AddChunkRetry()
	AddBytesDownloaded(n uint64)
	AddFileFailure()
}

type nopRecorder struct{}

func (nopRecorder) AddChunkDownloaded()       {}
func (nopRecorder) AddChunkRetry()            {}
func (nopRecorder) AddBytesDownloaded(uint64) {}
func (nopRecorder) AddFileFailure()           {}

// Job describes one depot download.
type Job struct {
	AppID       uint32
	DepotID     uint64
	ManifestID  uint64
	TargetOS    string
	Server      cdn.Server
	DepotKey    []byte
	RequestCode string
	DestDir     string
	// Force redownloads even when the marker says the directory
	// already materializes this manifest.
	Force bool
}

// Engine downloads, validates, and repairs depot files.
type Engine struct {
	fetcher   Fetcher
	skip      *SkipList
	logger    *slog.Logger
	metrics   Recorder
	workers   int
	retryStep time.Duration

	// One rented buffer at a time per worker, sized to the largest
	// chunk seen, for local validation reads.
	bufPool sync.Pool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkers bounds file-level parallelism. Default 1 (sequential).
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithSkipList installs the deny-list of paths to skip.
func WithSkipList(s *SkipList) EngineOption {
	return func(e *Engine) { e.skip = s }
}

// WithChunkRetryStep overrides the linear backoff step for chunk
// retries. Tests shrink it.
func WithChunkRetryStep(d time.Duration) EngineOption {
	return func(e *Engine) { e.retryStep = d }
}

// WithRecorder installs the metrics recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// NewEngine creates a download engine over a CDN fetcher.
func NewEngine(fetcher Fetcher, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		fetcher:   fetcher,
		logger:    logger,
		metrics:   nopRecorder{},
		workers:   1,
		retryStep: defaultChunkRetryStep,
	}
	e.bufPool.New = func() any {
		b := make([]byte, 0, 1<<20)
		return &b
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// fileFailure records one file that could not be brought to a valid
// state and was deleted.
type fileFailure struct {
	path string
	err  error
}

// downloadState aggregates cross-file progress under the engine's
// parallelism limit.
type downloadState struct {
	mu        sync.Mutex
	processed int
	failures  []fileFailure

	bytesDownloaded atomic.Uint64
	chunksFetched   atomic.Uint64
	filesDownloaded atomic.Uint64
	totalWorkBytes  uint64
}

// Download materializes the depot manifest under job.DestDir. Files
// that fail post-download validation are deleted and aggregated; the
// operation fails only if at least one file ultimately failed.
func (e *Engine) Download(ctx context.Context, job Job) error {
	marker, ok, err := session.LoadMarker(job.DestDir, job.AppID)
	if err != nil {
		// A corrupt marker counts as external tampering; fall through
		// to a full validation pass.
		e.logger.Warn("ignoring unreadable download marker", "error", err)
	}
	if ok && !job.Force && marker.ManifestID == job.ManifestID {
		e.logger.Info("depot already up to date",
			"app_id", job.AppID,
			"manifest_id", job.ManifestID,
		)
		return nil
	}

	raw, err := e.fetcher.FetchManifest(ctx, job.Server, job.DepotID, job.ManifestID, job.RequestCode)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return err
	}
	if m.ManifestID != job.ManifestID {
		return oops.Code("MANIFEST_MISMATCH").
			With("want", job.ManifestID).
			With("got", m.ManifestID).
			Errorf("CDN served a different manifest version")
	}

	if err := os.MkdirAll(job.DestDir, 0o755); err != nil {
		return oops.Code("DEST_DIR_FAILED").With("dir", job.DestDir).Wrap(err)
	}

	work, skipped, err := e.partition(job.DestDir, m)
	if err != nil {
		return err
	}

	state := &downloadState{}
	for _, f := range work {
		state.totalWorkBytes += f.TotalSize
	}
	e.logger.Info("starting depot download",
		"app_id", job.AppID,
		"depot_id", job.DepotID,
		"manifest_id", job.ManifestID,
		"files", len(work),
		"skipped", skipped,
		"bytes", state.totalWorkBytes,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, f := range work {
		g.Go(func() error {
			if err := e.processFile(gctx, job, f, state); err != nil {
				return err
			}
			e.noteProgress(state, len(work))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	state.mu.Lock()
	failures := state.failures
	state.mu.Unlock()
	if len(failures) > 0 {
		failed := make([]string, len(failures))
		for i, f := range failures {
			failed[i] = f.path
			e.logger.Error("file failed integrity validation and was removed",
				"path", f.path,
				"error", f.err,
			)
		}
		return oops.Code("FILE_INTEGRITY").
			With("files", failed).
			Errorf("%d file(s) failed integrity validation", len(failures))
	}

	newMarker := session.Marker{
		AppID:        job.AppID,
		DepotID:      job.DepotID,
		ManifestID:   job.ManifestID,
		TargetOS:     job.TargetOS,
		TotalBytes:   state.bytesDownloaded.Load(),
		TotalFiles:   int(state.filesDownloaded.Load()),
		DownloadedAt: time.Now().UTC(),
	}
	if err := session.SaveMarker(job.DestDir, newMarker); err != nil {
		return err
	}

	e.logger.Info("depot download complete",
		"app_id", job.AppID,
		"files_downloaded", newMarker.TotalFiles,
		"bytes_downloaded", newMarker.TotalBytes,
		"chunks", state.chunksFetched.Load(),
	)
	return nil
}

// partition splits manifest entries into the work list, materialized
// directories, and deny-listed skips. Unsafe paths are a protocol
// error, not a skip.
func (e *Engine) partition(destDir string, m *manifest.Manifest) (work []manifest.FileEntry, skipped int, err error) {
	for _, f := range m.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return nil, 0, err
		}
		if e.skip.Match(f.Path) {
			skipped++
			continue
		}
		if f.IsDirectory() {
			if err := os.MkdirAll(filepath.Join(destDir, rel), 0o755); err != nil {
				return nil, 0, oops.Code("DEST_DIR_FAILED").With("path", f.Path).Wrap(err)
			}
			continue
		}
		work = append(work, f)
	}
	return work, skipped, nil
}

// safeRelPath normalizes a manifest path and rejects traversal.
func safeRelPath(manifestPath string) (string, error) {
	p := filepath.FromSlash(strings.ReplaceAll(manifestPath, `\`, "/"))
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", oops.Code("MANIFEST_PATH_UNSAFE").
			With("path", manifestPath).
			Errorf("manifest path escapes the install directory")
	}
	return clean, nil
}

// processFile brings one file to its manifest state: skip when already
// valid, repair mismatched chunks in place, or download it whole. An
// uncorrectable integrity failure deletes the file and is aggregated;
// transport and disk failures abort the operation.
func (e *Engine) processFile(ctx context.Context, job Job, f manifest.FileEntry, state *downloadState) error {
	rel, err := safeRelPath(f.Path)
	if err != nil {
		return err
	}
	path := filepath.Join(job.DestDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return oops.Code("DEST_DIR_FAILED").With("path", f.Path).Wrap(err)
	}

	need, fullDownload, err := e.planFile(path, f)
	if err != nil {
		return err
	}
	if len(need) == 0 && !fullDownload {
		e.logger.Debug("file already valid", "path", f.Path)
		return nil
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return oops.Code("FILE_OPEN_FAILED").With("path", f.Path).Wrap(err)
	}
	defer file.Close()

	if fullDownload {
		if err := file.Truncate(int64(f.TotalSize)); err != nil {
			return oops.Code("FILE_PREALLOCATE_FAILED").
				With("path", f.Path).
				With("size", f.TotalSize).
				Wrap(err)
		}
		need = f.Chunks
	}

	// Chunks are written at their declared offsets; arrival order does
	// not have to match file order.
	for _, c := range need {
		plain, err := e.fetchChunk(ctx, job, c)
		if err != nil {
			return err
		}
		if _, err := file.WriteAt(plain, int64(c.Offset)); err != nil {
			return oops.Code("FILE_WRITE_FAILED").
				With("path", f.Path).
				With("offset", c.Offset).
				Wrap(err)
		}
		state.bytesDownloaded.Add(uint64(len(plain)))
		state.chunksFetched.Add(1)
		e.metrics.AddChunkDownloaded()
		e.metrics.AddBytesDownloaded(uint64(len(plain)))
	}
	if err := file.Sync(); err != nil {
		return oops.Code("FILE_WRITE_FAILED").With("path", f.Path).Wrap(err)
	}

	// Revalidate everything we now claim to have.
	mismatched, err := e.mismatchedChunks(file, f)
	if err != nil {
		return err
	}
	if len(mismatched) > 0 {
		// Never leave a corrupt file under its final name.
		_ = file.Close()
		if rmErr := os.Remove(path); rmErr != nil {
			return oops.Code("FILE_REMOVE_FAILED").With("path", f.Path).Wrap(rmErr)
		}
		e.metrics.AddFileFailure()
		state.mu.Lock()
		state.failures = append(state.failures, fileFailure{
			path: f.Path,
			err: oops.Code("FILE_INTEGRITY").
				With("path", f.Path).
				With("bad_chunks", len(mismatched)).
				Errorf("checksum mismatch after download"),
		})
		state.mu.Unlock()
		return nil
	}

	state.filesDownloaded.Add(1)
	return nil
}

// planFile decides what a file needs: nothing, a repair of specific
// chunks, or a full download.
func (e *Engine) planFile(path string, f manifest.FileEntry) (need []manifest.Chunk, fullDownload bool, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil || info.Size() != int64(f.TotalSize) {
		return nil, true, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, false, oops.Code("FILE_OPEN_FAILED").With("path", f.Path).Wrap(err)
	}
	defer file.Close()

	mismatched, err := e.mismatchedChunks(file, f)
	if err != nil {
		return nil, false, err
	}
	return mismatched, false, nil
}

// mismatchedChunks recomputes every chunk checksum against the
// manifest, reading through one rented buffer at a time.
func (e *Engine) mismatchedChunks(r io.ReaderAt, f manifest.FileEntry) ([]manifest.Chunk, error) {
	bufp := e.bufPool.Get().(*[]byte)
	defer e.bufPool.Put(bufp)

	var mismatched []manifest.Chunk
	for _, c := range f.Chunks {
		if cap(*bufp) < int(c.UncompressedLength) {
			*bufp = make([]byte, 0, c.UncompressedLength)
		}
		buf := (*bufp)[:c.UncompressedLength]
		if _, err := r.ReadAt(buf, int64(c.Offset)); err != nil {
			return nil, oops.Code("FILE_READ_FAILED").
				With("path", f.Path).
				With("offset", c.Offset).
				Wrap(err)
		}
		if Checksum(buf) != c.Checksum {
			mismatched = append(mismatched, c)
		}
	}
	return mismatched, nil
}

// fetchChunk downloads and opens one chunk, retrying up to three
// attempts with linear backoff. A decoded length that is not exactly
// the declared chunk length fails the attempt.
func (e *Engine) fetchChunk(ctx context.Context, job Job, c manifest.Chunk) ([]byte, error) {
	var plain []byte
	attempt := 0

	backoff := retry.WithMaxRetries(chunkAttempts-1, linearBackoff(e.retryStep))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		payload, err := e.fetcher.FetchChunk(ctx, job.Server, job.DepotID, c.ID)
		if err == nil {
			plain, err = cdn.OpenChunk(job.DepotKey, payload, c.UncompressedLength)
		}
		if err != nil {
			e.logger.Warn("chunk attempt failed",
				"chunk_id", c.ID,
				"attempt", attempt,
				"error", err,
			)
			e.metrics.AddChunkRetry()
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, oops.Code("CHUNK_EXHAUSTED").
			With("chunk_id", c.ID).
			With("attempts", attempt).
			Wrap(err)
	}
	return plain, nil
}

// noteProgress emits a progress line every 100 processed files.
func (e *Engine) noteProgress(state *downloadState, total int) {
	state.mu.Lock()
	state.processed++
	processed := state.processed
	state.mu.Unlock()

	if processed%progressEvery != 0 && processed != total {
		return
	}
	bytes := state.bytesDownloaded.Load()
	percent := float64(processed) / float64(total) * 100
	e.logger.Info("download progress",
		"files", processed,
		"total_files", total,
		"bytes", bytes,
		"percent", percent,
	)
}

// linearBackoff yields step, 2×step, 3×step, ...
func linearBackoff(step time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n := atomic.AddInt64(&attempt, 1)
		return time.Duration(n) * step, false
	})
}
