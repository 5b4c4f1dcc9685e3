// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package manifest resolves an application to a downloadable depot and
// models the manifest document that describes one depot version.
package manifest

// Chunk is one individually fetchable byte range of a file.
type Chunk struct {
	// ID is the opaque hex identifier the CDN serves the chunk under.
	ID string `json:"id"`
	// Offset is the chunk's position in the reconstructed file.
	Offset uint64 `json:"offset"`
	// UncompressedLength is the exact plaintext length; any other
	// downloaded length is a hard failure.
	UncompressedLength uint32 `json:"uncompressedLength"`
	// Checksum is the rolling checksum of the plaintext byte range.
	Checksum uint32 `json:"checksum"`
}

// FileEntry describes one file (or directory) of the depot.
type FileEntry struct {
	Path      string  `json:"path"`
	TotalSize uint64  `json:"totalSize"`
	Directory bool    `json:"directory,omitempty"`
	Chunks    []Chunk `json:"chunks"`
}

// IsDirectory reports whether the entry materializes as a directory.
// Older manifest versions omit the flag and emit a zero-size chunkless
// entry instead.
func (f FileEntry) IsDirectory() bool {
	return f.Directory || (f.TotalSize == 0 && len(f.Chunks) == 0)
}

// Manifest describes the desired end state of a depot directory.
// Immutable once fetched.
type Manifest struct {
	DepotID    uint64      `json:"depotId"`
	ManifestID uint64      `json:"manifestId"`
	Files      []FileEntry `json:"files"`
}

// TotalBytes sums the declared sizes of all file entries.
func (m *Manifest) TotalBytes() uint64 {
	var total uint64
	for _, f := range m.Files {
		total += f.TotalSize
	}
	return total
}
