// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"net"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Registry serves the OCI Distribution v1.1 data plane over a Storage.
type Registry struct {
	storage  Storage
	auth     *tokenAuth
	logf     func(format string, args ...any)
	verbose  bool
	handlers map[routeKind]map[string]handler
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogf sets the log function. It defaults to log.Printf.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(r *Registry) { r.logf = logf }
}

// WithVerbose enables per-request logging.
func WithVerbose(v bool) Option {
	return func(r *Registry) { r.verbose = v }
}

// New returns a Registry backed by storage.
func New(storage Storage, opts ...Option) *Registry {
	r := &Registry{storage: storage, logf: log.Printf}
	for _, o := range opts {
		o(r)
	}
	if r.auth != nil && len(r.auth.secret) == 0 {
		r.auth.secret = make([]byte, 32)
		rand.Read(r.auth.secret)
	}
	r.handlers = map[routeKind]map[string]handler{
		routeManifest: {
			http.MethodGet:    r.getManifest,
			http.MethodHead:   r.headManifest,
			http.MethodPut:    r.putManifest,
			http.MethodDelete: r.deleteManifest,
		},
		routeBlob: {
			http.MethodGet:    r.getBlob,
			http.MethodHead:   r.headBlob,
			http.MethodDelete: r.deleteBlob,
		},
		routeUploadStart: {
			http.MethodPost: r.startUpload,
		},
		routeUpload: {
			http.MethodPatch:  r.appendUpload,
			http.MethodPut:    r.finishUpload,
			http.MethodGet:    r.uploadStatus,
			http.MethodDelete: r.cancelUpload,
		},
		routeTags: {
			http.MethodGet: r.listTags,
		},
	}
	return r
}

func (r *Registry) vlog(format string, args ...any) {
	if r.verbose {
		r.logf(format, args...)
	}
}

var (
	repoNameRe = regexp.MustCompile(`^[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*(/[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*)*$`)
	tagRe      = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
)

// ValidRepository reports whether name is a valid repository name.
func ValidRepository(name string) bool { return repoNameRe.MatchString(name) }

// ValidTag reports whether tag is a valid tag.
func ValidTag(tag string) bool { return tagRe.MatchString(tag) }

func isDigest(s string) bool {
	return digest.Digest(s).Validate() == nil
}

type routeKind int

const (
	routeUnknown routeKind = iota
	routeManifest
	routeBlob
	routeUploadStart
	routeUpload
	routeTags
)

// route is a parsed /v2/<repo>/... request path. ref holds the manifest
// reference, the blob digest or the upload id, depending on kind.
type route struct {
	kind routeKind
	repo string
	ref  string
}

// parseRoute splits a data-plane path. Repository names contain slashes,
// so the operation is matched from the end of the path.
func parseRoute(p string) (route, bool) {
	rest, ok := strings.CutPrefix(p, "/v2/")
	if !ok {
		return route{}, false
	}
	segs := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	n := len(segs)
	if n < 3 {
		return route{}, false
	}
	rt := route{}
	repoEnd := n - 2
	switch {
	case segs[n-2] == "tags" && segs[n-1] == "list":
		rt.kind = routeTags
	case segs[n-2] == "blobs" && segs[n-1] == "uploads":
		rt.kind = routeUploadStart
	case n >= 4 && segs[n-3] == "blobs" && segs[n-2] == "uploads":
		rt.kind, rt.ref, repoEnd = routeUpload, segs[n-1], n-3
	case segs[n-2] == "manifests":
		rt.kind, rt.ref = routeManifest, segs[n-1]
	case segs[n-2] == "blobs":
		rt.kind, rt.ref = routeBlob, segs[n-1]
	default:
		return route{}, false
	}
	rt.repo = strings.Join(segs[:repoEnd], "/")
	if rt.repo == "" || rt.ref == "" && (rt.kind == routeManifest || rt.kind == routeBlob) {
		return route{}, false
	}
	return rt, true
}

// requiredActions returns the repository actions a request method needs.
func requiredActions(method string) []string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return []string{"pull"}
	default:
		return []string{"pull", "push"}
	}
}

// ServeHTTP implements http.Handler.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/v2", "/v2/":
		r.serveVersion(w, req)
		return
	case "/v2/_catalog":
		WriteError(w, http.StatusNotImplemented, ErrCodeUnsupported, "catalog listing is not supported", nil)
		return
	case "/token":
		if r.auth != nil {
			r.auth.handleToken(w, req)
			return
		}
	}
	if !strings.HasPrefix(req.URL.Path, "/v2/") {
		http.NotFound(w, req)
		return
	}

	rt, ok := parseRoute(req.URL.Path)
	if !ok {
		r.vlog("registry: %s %s: no route", req.Method, req.URL.Path)
		WriteError(w, http.StatusNotFound, ErrCodeNameUnknown, "unknown endpoint", nil)
		return
	}
	r.vlog("registry: %s %s -> %+v", req.Method, req.URL.Path, rt)
	if !ValidRepository(rt.repo) {
		WriteError(w, http.StatusBadRequest, ErrCodeNameInvalid, "invalid repository name", map[string]string{"name": rt.repo})
		return
	}
	h, ok := r.handlers[rt.kind][req.Method]
	if !ok {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	switch {
	case rt.kind == routeManifest && !ValidTag(rt.ref) && !isDigest(rt.ref):
		WriteError(w, http.StatusBadRequest, ErrCodeManifestInvalid, "invalid reference", map[string]string{"reference": rt.ref})
		return
	case rt.kind == routeBlob && !isDigest(rt.ref):
		WriteError(w, http.StatusBadRequest, ErrCodeDigestInvalid, "invalid digest", map[string]string{"digest": rt.ref})
		return
	}
	if r.auth != nil && !r.auth.authorize(w, req, rt.repo, requiredActions(req.Method)) {
		return
	}
	if err := h(w, req, rt); err != nil {
		r.writeError(w, req, rt, err)
	}
}

func (r *Registry) serveVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	if r.auth != nil && !r.auth.authorize(w, req, "", nil) {
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

// ListenAndServe serves r on addr until ctx is done, then shuts the server
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, r *Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, r)
}

// Serve serves r on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, r *Registry) error {
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

const apiRoot = "/v2"

// ManifestPath returns the path of a manifest.
func ManifestPath(repo, reference string) string {
	return path.Join(apiRoot, repo, "manifests", reference)
}

// BlobPath returns the path of a blob.
func BlobPath(repo, digest string) string {
	return path.Join(apiRoot, repo, "blobs", digest)
}

// UploadsPath returns the path that starts a blob upload.
func UploadsPath(repo string) string {
	return path.Join(apiRoot, repo, "blobs", "uploads") + "/"
}

// UploadPath returns the path of an upload session.
func UploadPath(repo, uuid string) string {
	return path.Join(apiRoot, repo, "blobs", "uploads", uuid)
}

// TagsPath returns the path listing the tags of repo.
func TagsPath(repo string) string {
	return path.Join(apiRoot, repo, "tags", "list")
}
