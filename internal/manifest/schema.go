// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package manifest

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/samber/oops"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// manifestSchema is the wire contract for manifest documents. A
// document that fails validation is a protocol error and is surfaced
// raw for operator diagnosis rather than half-decoded.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["depotId", "manifestId", "files"],
  "properties": {
    "depotId": {"type": "integer", "minimum": 1},
    "manifestId": {"type": "integer", "minimum": 1},
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "totalSize", "chunks"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "totalSize": {"type": "integer", "minimum": 0},
          "directory": {"type": "boolean"},
          "chunks": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "offset", "uncompressedLength", "checksum"],
              "properties": {
                "id": {"type": "string", "pattern": "^[0-9a-f]+$"},
                "offset": {"type": "integer", "minimum": 0},
                "uncompressedLength": {"type": "integer", "minimum": 1},
                "checksum": {"type": "integer", "minimum": 0}
              }
            }
          }
        }
      }
    }
  }
}`

// SchemaJSON returns the manifest wire schema document, for publishing
// alongside the CDN protocol docs.
func SchemaJSON() []byte {
	return []byte(manifestSchema)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
		if err != nil {
			panic(err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", doc); err != nil {
			panic(err)
		}
		schema = c.MustCompile("manifest.schema.json")
	})
	return schema
}

// Parse validates and decodes a manifest document fetched from the CDN.
func Parse(raw []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, oops.Code("MANIFEST_MALFORMED").
			With("raw_prefix", prefix(raw, 256)).
			Wrap(err)
	}
	if err := compiledSchema().Validate(doc); err != nil {
		return nil, oops.Code("MANIFEST_SCHEMA_INVALID").
			With("raw_prefix", prefix(raw, 256)).
			Wrap(err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, oops.Code("MANIFEST_MALFORMED").Wrap(err)
	}
	return &m, nil
}

func prefix(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
