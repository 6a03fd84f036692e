// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/yeetrun/modreg/pkg/auth"
	"github.com/yeetrun/modreg/pkg/registry"
)

// maxTagPages bounds how many Link pages Tags follows.
const maxTagPages = 100

var nextLinkRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

// Tags lists the tags of a repository, following pagination links.
func (c *Client) Tags(ctx context.Context, host, repository string) ([]string, error) {
	target := registry.TagsPath(repository)
	var tags []string
	for page := 0; target != "" && page < maxTagPages; page++ {
		resp, err := c.do(ctx, &request{
			method: http.MethodGet,
			host:   host,
			target: target,
			header: http.Header{"Accept": {"application/json"}},
			scope:  auth.PullScope(repository),
		}, http.StatusOK)
		if err != nil {
			return nil, fmt.Errorf("list tags of %s/%s: %w", host, repository, err)
		}
		var tl registry.TagList
		err = json.NewDecoder(resp.Body).Decode(&tl)
		drain(resp)
		if err != nil {
			return nil, fmt.Errorf("list tags of %s/%s: decode: %w", host, repository, err)
		}
		tags = append(tags, tl.Tags...)
		target = ""
		if m := nextLinkRe.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
			target = m[1]
		}
	}
	return tags, nil
}
