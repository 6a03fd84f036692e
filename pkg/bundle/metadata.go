// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// MetadataName is the well-known archive entry holding Metadata.
const MetadataName = "metadata.json"

// FilesDir is the archive directory holding rendered source files.
const FilesDir = "files"

// Metadata describes the contents of a bundle.
//
// Keys uri, localPath and kind are written for every entry by all versions.
// Unknown keys are ignored on read so newer writers can add fields.
type Metadata struct {
	EntryPoint  string      `json:"entryPoint"`
	SourceFiles []FileEntry `json:"sourceFiles"`
}

// FileEntry maps a logical source URI to its path under FilesDir.
type FileEntry struct {
	URI       string `json:"uri"`
	LocalPath string `json:"localPath"`
	Kind      Kind   `json:"kind"`
}

// Entry returns the entry whose URI is uri.
func (m *Metadata) Entry(uri string) (FileEntry, bool) {
	for _, e := range m.SourceFiles {
		if e.URI == uri {
			return e, true
		}
	}
	return FileEntry{}, false
}

// EncodeMetadata returns the canonical JSON form of m.
func EncodeMetadata(m *Metadata) ([]byte, error) {
	if m.SourceFiles == nil {
		m.SourceFiles = []FileEntry{}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeMetadata parses metadata leniently. Comments, trailing commas,
// unknown keys and unknown kinds are all accepted.
func DecodeMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	for i, e := range m.SourceFiles {
		if e.LocalPath == "" {
			return nil, fmt.Errorf("decode metadata: source file %d (%q) has no localPath", i, e.URI)
		}
	}
	return &m, nil
}
