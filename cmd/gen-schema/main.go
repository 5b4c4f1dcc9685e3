// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Command gen-schema writes the manifest wire JSON Schema file.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/depothaul/depothaul/internal/manifest"
)

func main() {
	outPath := filepath.Join("schemas", "manifest.schema.json")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, manifest.SchemaJSON(), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s\n", outPath)
}
