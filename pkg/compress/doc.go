// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress negotiates HTTP content encodings for registry traffic.
//
// The registry server compresses manifest and blob responses with the best
// encoding the client accepts (zstd, then gzip, then deflate) and decodes
// compressed upload bodies:
//
//	if enc := compress.SelectEncoding(r.Header.Get("Accept-Encoding")); enc != "" {
//		cw, err := compress.NewResponseWriter(w, enc)
//		...
//		defer cw.Close()
//	}
//
// The artifact client and the module index provider use Transport, which
// advertises AcceptEncoding and hands callers decoded bodies:
//
//	hc := &http.Client{Transport: &compress.Transport{}}
//
// Digests are always computed over decoded bytes, so an encoding never
// changes what a client verifies.
package compress
