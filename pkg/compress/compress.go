// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Encodings lists the supported content encodings, most preferred first.
var Encodings = []string{"zstd", "gzip", "deflate"}

// ResponseWriter compresses everything written to the wrapped
// http.ResponseWriter. Content-Length is dropped because the encoded size
// is not known up front.
type ResponseWriter struct {
	http.ResponseWriter
	writer      io.Writer
	encoding    string
	wroteHeader bool
}

func (cw *ResponseWriter) Write(data []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.writer.Write(data)
}

func (cw *ResponseWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.encoding != "" {
		h := cw.ResponseWriter.Header()
		h.Set("Content-Encoding", cw.encoding)
		h.Del("Content-Length")
		h.Set("Vary", "Accept-Encoding")
	}
	cw.ResponseWriter.WriteHeader(code)
}

// Close flushes the encoder. It does not close the underlying writer.
func (cw *ResponseWriter) Close() error {
	if closer, ok := cw.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// parseAcceptEncoding returns the quality of each supported encoding named
// by an Accept-Encoding header. A wildcard applies to encodings not listed
// explicitly.
func parseAcceptEncoding(header string) map[string]float64 {
	quality := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if name == "*" {
			wildcard = q
			continue
		}
		quality[name] = q
	}
	if wildcard >= 0 {
		for _, enc := range Encodings {
			if _, ok := quality[enc]; !ok {
				quality[enc] = wildcard
			}
		}
	}
	return quality
}

// SelectEncoding returns the encoding to use for a client that sent
// acceptEncoding, or "" for identity. Higher quality wins; ties go to the
// earlier entry of Encodings.
func SelectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	quality := parseAcceptEncoding(acceptEncoding)
	best, bestQ := "", 0.0
	for _, enc := range Encodings {
		if q := quality[enc]; q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

// NewResponseWriter returns a writer that encodes with encoding. An unknown
// encoding writes identity.
func NewResponseWriter(w http.ResponseWriter, encoding string) (*ResponseWriter, error) {
	cw := &ResponseWriter{ResponseWriter: w, encoding: encoding}
	var err error
	switch encoding {
	case "zstd":
		cw.writer, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case "gzip":
		cw.writer = gzip.NewWriter(w)
	case "deflate":
		cw.writer, err = flate.NewWriter(w, flate.DefaultCompression)
	default:
		cw.writer = w
		cw.encoding = ""
	}
	if err != nil {
		return nil, err
	}
	return cw, nil
}

// DecompressRequest replaces the body of r with its decoded form when
// Content-Encoding names a supported encoding.
func DecompressRequest(r *http.Request) error {
	body, ok, err := decodeBody(r.Header.Get("Content-Encoding"), r.Body)
	if err != nil || !ok {
		return err
	}
	r.Body = body
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	r.ContentLength = -1
	return nil
}

// decodeBody wraps body in a decoder for encoding. It reports false when
// encoding needs no decoding or is not supported.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, bool, error) {
	var reader io.ReadCloser
	var err error
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		reader, err = gzip.NewReader(body)
	case "deflate":
		reader = flate.NewReader(body)
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(body)
		if err == nil {
			reader = zr.IOReadCloser()
		}
	default:
		return body, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("decode %s body: %w", encoding, err)
	}
	return &closeWrapper{ReadCloser: reader, onClose: body.Close}, true, nil
}

// closeWrapper closes the decoder and then the original body.
type closeWrapper struct {
	io.ReadCloser
	onClose func() error
}

func (cw *closeWrapper) Close() error {
	return errors.Join(cw.ReadCloser.Close(), cw.onClose())
}
