// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package depot

import (
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// SkipList matches manifest paths a server install does not need,
// e.g. locale packs and audio assets.
type SkipList struct {
	patterns []string
	globs    []glob.Glob
}

// NewSkipList compiles the deny patterns. Patterns use '/' as the
// separator regardless of host OS; '*' stays within one path segment
// and '**' crosses segments.
func NewSkipList(patterns []string) (*SkipList, error) {
	s := &SkipList{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, oops.Code("SKIP_PATTERN_INVALID").
				With("pattern", p).
				Wrap(err)
		}
		s.globs = append(s.globs, g)
	}
	return s, nil
}

// Match reports whether the manifest path is on the deny list.
func (s *SkipList) Match(manifestPath string) bool {
	if s == nil {
		return false
	}
	normalized := path.Clean(strings.ReplaceAll(manifestPath, `\`, "/"))
	for _, g := range s.globs {
		if g.Match(normalized) {
			return true
		}
	}
	return false
}
