// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Entry is one module of the index.
type Entry struct {
	ModuleName string                   `json:"moduleName"`
	Tags       []string                 `json:"tags"`
	Properties map[string]TagProperties `json:"properties,omitempty"`
}

// TagProperties describe one published version of a module. Keys the
// index sends that are not modeled here are kept in Extra.
type TagProperties struct {
	Description      string
	DocumentationURI string
	Extra            map[string]json.RawMessage
}

const (
	keyDescription      = "description"
	keyDocumentationURI = "documentationUri"
)

func (p *TagProperties) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = TagProperties{}
	for k, v := range raw {
		var dst *string
		switch k {
		case keyDescription:
			dst = &p.Description
		case keyDocumentationURI:
			dst = &p.DocumentationURI
		}
		if dst != nil {
			if err := json.Unmarshal(v, dst); err == nil {
				continue
			}
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

func (p TagProperties) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Description != "" {
		out[keyDescription] = p.Description
	}
	if p.DocumentationURI != "" {
		out[keyDocumentationURI] = p.DocumentationURI
	}
	return json.Marshal(out)
}

// normalize merges entries with the same module name, the first occurrence
// winning, and sorts modules by name and each module's tags by version.
func normalize(in []Entry) []Entry {
	byName := make(map[string]int, len(in))
	var out []Entry
	for _, e := range in {
		if e.ModuleName == "" {
			continue
		}
		i, ok := byName[e.ModuleName]
		if !ok {
			byName[e.ModuleName] = len(out)
			out = append(out, Entry{ModuleName: e.ModuleName})
			i = len(out) - 1
		}
		m := &out[i]
		for _, t := range e.Tags {
			if !slices.Contains(m.Tags, t) {
				m.Tags = append(m.Tags, t)
			}
		}
		for tag, props := range e.Properties {
			if _, exists := m.Properties[tag]; exists {
				continue
			}
			if m.Properties == nil {
				m.Properties = make(map[string]TagProperties)
			}
			m.Properties[tag] = props
		}
	}
	for i := range out {
		sortTags(out[i].Tags)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.ModuleName, b.ModuleName) })
	return out
}

// sortTags orders semantic versions ascending; other tags follow in their
// original order.
func sortTags(tags []string) {
	versions := make(map[string]*semver.Version, len(tags))
	for _, t := range tags {
		if v, err := semver.NewVersion(t); err == nil {
			versions[t] = v
		}
	}
	slices.SortStableFunc(tags, func(a, b string) int {
		va, vb := versions[a], versions[b]
		switch {
		case va != nil && vb != nil:
			return va.Compare(vb)
		case va != nil:
			return -1
		case vb != nil:
			return 1
		}
		return 0
	})
}
