// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package session persists login sessions and per-depot download
// markers as small JSON records. Every write goes to a temp file in
// the target directory followed by a rename, so a crash mid-write
// never exposes a half-written record.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
)

// ErrNoSession is returned when no saved session exists for a username.
var ErrNoSession = errors.New("no saved session")

// Session is the persisted credential record, one per username.
// Replaced wholesale on every save, never mutated in place.
type Session struct {
	Username     string `json:"username"`
	RefreshToken string `json:"refreshToken"`
}

// Marker records a completed depot download in the target directory.
// A marker whose ManifestID equals the currently-resolved manifest
// implies the directory already materializes that manifest.
type Marker struct {
	AppID        uint32    `json:"appId"`
	DepotID      uint64    `json:"depotId"`
	ManifestID   uint64    `json:"manifestId"`
	TargetOS     string    `json:"targetOs"`
	TotalBytes   uint64    `json:"totalBytes"`
	TotalFiles   int       `json:"totalFiles"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// Store persists sessions under a single state directory.
type Store struct {
	dir string
}

// NewStore creates a session store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, oops.Code("SESSION_DIR_FAILED").With("dir", dir).Wrap(err)
	}
	return &Store{dir: dir}, nil
}

// sessionPath returns the canonical file for a username's session.
func (s *Store) sessionPath(username string) string {
	return filepath.Join(s.dir, fmt.Sprintf("session-%s.json", username))
}

func validUsername(username string) error {
	if username == "" || strings.ContainsAny(username, `/\`) {
		return oops.Code("SESSION_INVALID_USERNAME").
			With("username", username).
			Errorf("username is empty or contains path separators")
	}
	return nil
}

// Save writes the session record atomically with 0600 permissions.
func (s *Store) Save(sess Session) error {
	if err := validUsername(sess.Username); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return oops.Code("SESSION_ENCODE_FAILED").Wrap(err)
	}
	if err := writeFileAtomic(s.sessionPath(sess.Username), data, 0o600); err != nil {
		return oops.Code("SESSION_WRITE_FAILED").
			With("username", sess.Username).
			Wrap(err)
	}
	return nil
}

// Load reads a saved session. Returns ErrNoSession when none exists;
// validity of the token inside is discovered on the next login attempt.
func (s *Store) Load(username string) (Session, error) {
	if err := validUsername(username); err != nil {
		return Session{}, err
	}
	data, err := os.ReadFile(s.sessionPath(username))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, ErrNoSession
		}
		return Session{}, oops.Code("SESSION_READ_FAILED").
			With("username", username).
			Wrap(err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, oops.Code("SESSION_CORRUPT").
			With("username", username).
			Wrap(err)
	}
	return sess, nil
}

// Has reports whether a saved session file exists for the username.
// Existence only; the token may be expired.
func (s *Store) Has(username string) bool {
	if validUsername(username) != nil {
		return false
	}
	_, err := os.Stat(s.sessionPath(username))
	return err == nil
}

// Delete removes a saved session. Missing files are not an error.
func (s *Store) Delete(username string) error {
	if err := validUsername(username); err != nil {
		return err
	}
	if err := os.Remove(s.sessionPath(username)); err != nil && !os.IsNotExist(err) {
		return oops.Code("SESSION_DELETE_FAILED").
			With("username", username).
			Wrap(err)
	}
	return nil
}

// Usernames lists every username with a saved session.
func (s *Store) Usernames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, oops.Code("SESSION_LIST_FAILED").With("dir", s.dir).Wrap(err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(name, "session-"), ".json"))
	}
	return names, nil
}

// MarkerPath returns the marker file for an app inside its install dir.
func MarkerPath(destDir string, appID uint32) string {
	return filepath.Join(destDir, fmt.Sprintf(".download-manifest-%d", appID))
}

// LoadMarker reads the download marker for an app, reporting whether
// one exists. A corrupt marker is surfaced as an error, not ignored.
func LoadMarker(destDir string, appID uint32) (Marker, bool, error) {
	data, err := os.ReadFile(MarkerPath(destDir, appID))
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, false, nil
		}
		return Marker{}, false, oops.Code("MARKER_READ_FAILED").
			With("app_id", appID).
			Wrap(err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, false, oops.Code("MARKER_CORRUPT").
			With("app_id", appID).
			Wrap(err)
	}
	return m, true, nil
}

// SaveMarker writes the download marker atomically.
func SaveMarker(destDir string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return oops.Code("MARKER_ENCODE_FAILED").Wrap(err)
	}
	if err := writeFileAtomic(MarkerPath(destDir, m.AppID), data, 0o644); err != nil {
		return oops.Code("MARKER_WRITE_FAILED").
			With("app_id", m.AppID).
			Wrap(err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the destination
// directory, fsyncs it, then renames it over the canonical path.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
