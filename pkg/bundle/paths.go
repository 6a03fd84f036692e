// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/modreg/pkg/descriptor"
)

// logicalSegments splits a source URI into path segments that mirror its
// logical location. Non-file URIs keep their scheme and host as leading
// segments so they cannot collide with local files.
func logicalSegments(uri string) ([]string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse source uri %q: %w", uri, err)
	}
	var segs []string
	p := u.Path
	switch {
	case u.Opaque != "":
		segs = append(segs, sanitizeSegment(u.Scheme))
		p = strings.ReplaceAll(u.Opaque, ":", "/")
	case u.Scheme != "" && u.Scheme != "file":
		segs = append(segs, sanitizeSegment(u.Scheme))
		if u.Host != "" {
			// Ports and IPv6 literals carry colons.
			segs = append(segs, sanitizeSegment(u.Host))
		}
	case u.Host != "":
		// file://server/share/...
		segs = append(segs, sanitizeSegment(u.Host))
	}
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		segs = append(segs, sanitizeSegment(s))
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("source uri %q has no path", uri)
	}
	return segs, nil
}

// sanitizeSegment replaces characters that are not portable in file names.
func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20:
			return '_'
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, s)
	if s == ".." {
		return "__"
	}
	return s
}

// commonDirPrefix returns the number of leading directory segments shared by
// every entry. The final segment (the file name) is never part of it.
func commonDirPrefix(all [][]string) int {
	if len(all) == 0 {
		return 0
	}
	n := len(all[0]) - 1
	for _, segs := range all[1:] {
		if len(segs)-1 < n {
			n = len(segs) - 1
		}
		for i := 0; i < n; i++ {
			if segs[i] != all[0][i] {
				n = i
				break
			}
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

// assignLocalPaths returns a collision-free relative path for each URI. Paths
// mirror the logical directory structure below the longest shared directory.
// URIs are processed in sorted order, and a later URI whose path collides
// (case-insensitively) with an earlier one gets a hash suffix derived from
// its full URI, so the mapping is stable for a given set of inputs.
func assignLocalPaths(uris []string) (map[string]string, error) {
	sorted := slices.Clone(uris)
	slices.Sort(sorted)

	segs := make([][]string, len(sorted))
	for i, uri := range sorted {
		s, err := logicalSegments(uri)
		if err != nil {
			return nil, err
		}
		segs[i] = s
	}
	prefix := commonDirPrefix(segs)

	out := make(map[string]string, len(sorted))
	used := make(map[string]bool, len(sorted))
	for i, uri := range sorted {
		p := path.Join(segs[i][prefix:]...)
		if used[strings.ToLower(p)] {
			p = disambiguate(p, uri, used)
		}
		used[strings.ToLower(p)] = true
		out[uri] = p
	}
	return out, nil
}

func disambiguate(p, uri string, used map[string]bool) string {
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	suffix := descriptor.Short(digest.SHA256.FromString(uri), 8)
	cand := fmt.Sprintf("%s-%s%s", base, suffix, ext)
	for n := 2; used[strings.ToLower(cand)]; n++ {
		cand = fmt.Sprintf("%s-%s-%d%s", base, suffix, n, ext)
	}
	return cand
}
