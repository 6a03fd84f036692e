// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"net/http"
)

// AcceptEncoding is the Accept-Encoding value sent by Transport.
const AcceptEncoding = "zstd, gzip;q=0.9, deflate;q=0.8"

// DecompressResponse replaces resp.Body with a decoded stream when the
// response carries a Content-Encoding this package understands.
func DecompressResponse(resp *http.Response) error {
	body, ok, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil || !ok {
		return err
	}
	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// Transport asks servers for compressed responses and decodes them.
type Transport struct {
	// Base is used to send requests. http.DefaultTransport when nil.
	Base http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// HEAD responses have no body, and requests with an explicit
	// Accept-Encoding are left to the caller.
	if req.Method == http.MethodHead || req.Header.Get("Accept-Encoding") != "" {
		return t.base().RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Accept-Encoding", AcceptEncoding)
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
