// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/modreg/pkg/compress"
)

// maxManifestSize bounds manifest uploads.
const maxManifestSize = 4 << 20

// handler serves one method of one route. A returned error is rendered by
// writeError.
type handler func(w http.ResponseWriter, req *http.Request, rt route) error

// apiError is a handler failure with a fixed status and error code.
type apiError struct {
	status  int
	code    string
	message string
	detail  any
}

func (e *apiError) Error() string { return e.code + ": " + e.message }

func badRequest(code, message string, detail any) error {
	return &apiError{status: http.StatusBadRequest, code: code, message: message, detail: detail}
}

// fallbackCodes is the error code of an unexpected failure per route.
var fallbackCodes = map[routeKind]string{
	routeManifest:    ErrCodeManifestInvalid,
	routeBlob:        ErrCodeBlobUnknown,
	routeUploadStart: ErrCodeBlobUploadInvalid,
	routeUpload:      ErrCodeBlobUploadInvalid,
	routeTags:        ErrCodeNameUnknown,
}

func (r *Registry) writeError(w http.ResponseWriter, req *http.Request, rt route, err error) {
	ae := new(apiError)
	switch {
	case errors.As(err, &ae):
	case errors.Is(err, ErrManifestNotFound):
		ae = &apiError{status: http.StatusNotFound, code: ErrCodeManifestUnknown, message: "manifest not found"}
	case errors.Is(err, ErrBlobNotFound):
		ae = &apiError{status: http.StatusNotFound, code: ErrCodeBlobUnknown, message: "blob not found"}
	case errors.Is(err, ErrUploadNotFound):
		ae = &apiError{status: http.StatusNotFound, code: ErrCodeBlobUploadUnknown, message: "upload not found"}
	case errors.Is(err, ErrDigestMismatch):
		ae = &apiError{status: http.StatusBadRequest, code: ErrCodeDigestInvalid, message: err.Error()}
	default:
		r.logf("registry: %s %s: %v", req.Method, req.URL.Path, err)
		ae = &apiError{status: http.StatusInternalServerError, code: fallbackCodes[rt.kind], message: err.Error()}
	}
	r.vlog("registry: %s %s: %d %s", req.Method, req.URL.Path, ae.status, ae.code)
	if req.Method == http.MethodHead {
		w.WriteHeader(ae.status)
		return
	}
	WriteError(w, ae.status, ae.code, ae.message, ae.detail)
}

// writeBody copies body to w with a 200, encoding it when the client
// accepts a supported content encoding.
func writeBody(w http.ResponseWriter, req *http.Request, body io.Reader) {
	if enc := compress.SelectEncoding(req.Header.Get("Accept-Encoding")); enc != "" {
		if cw, err := compress.NewResponseWriter(w, enc); err == nil {
			defer cw.Close()
			w = cw
		}
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

func manifestHeaders(h http.Header, mf *ManifestMetadata) {
	mediaType := mf.MediaType
	if mediaType == "" {
		mediaType = ocispec.MediaTypeImageManifest
	}
	h.Set("Content-Type", mediaType)
	h.Set("Docker-Content-Digest", mf.Digest)
	h.Set("Content-Length", strconv.FormatInt(mf.Size, 10))
}

func (r *Registry) getManifest(w http.ResponseWriter, req *http.Request, rt route) error {
	mf, err := r.storage.GetManifest(req.Context(), rt.repo, rt.ref)
	if err != nil {
		return err
	}
	defer mf.Data.Close()
	manifestHeaders(w.Header(), mf)
	writeBody(w, req, mf.Data)
	return nil
}

func (r *Registry) headManifest(w http.ResponseWriter, req *http.Request, rt route) error {
	mf, err := r.storage.GetManifest(req.Context(), rt.repo, rt.ref)
	if err != nil {
		return err
	}
	mf.Data.Close()
	manifestHeaders(w.Header(), mf)
	w.WriteHeader(http.StatusOK)
	return nil
}

// pushedManifest is the subset of an image manifest checked on upload.
type pushedManifest struct {
	MediaType string               `json:"mediaType"`
	Config    *ocispec.Descriptor  `json:"config"`
	Layers    []ocispec.Descriptor `json:"layers"`
	Subject   *ocispec.Descriptor  `json:"subject"`
}

// putManifest stores a manifest once every blob it references is present.
func (r *Registry) putManifest(w http.ResponseWriter, req *http.Request, rt route) error {
	if err := compress.DecompressRequest(req); err != nil {
		return badRequest(ErrCodeManifestInvalid, "undecodable request body", nil)
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, maxManifestSize+1))
	req.Body.Close()
	if err != nil {
		return badRequest(ErrCodeManifestInvalid, "reading manifest: "+err.Error(), nil)
	}
	if len(data) > maxManifestSize {
		return &apiError{status: http.StatusRequestEntityTooLarge, code: ErrCodeSizeInvalid, message: "manifest too large"}
	}

	contentType := req.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ocispec.MediaTypeImageManifest
	}
	var m pushedManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return badRequest(ErrCodeManifestInvalid, "manifest is not JSON", nil)
	}
	if m.MediaType != "" && m.MediaType != contentType {
		return badRequest(ErrCodeManifestInvalid, fmt.Sprintf("mediaType %q does not match Content-Type %q", m.MediaType, contentType), nil)
	}
	if isDigest(rt.ref) && digest.FromBytes(data).String() != rt.ref {
		return badRequest(ErrCodeDigestInvalid, "manifest does not match digest reference", nil)
	}

	referenced := m.Layers
	if m.Config != nil {
		referenced = append([]ocispec.Descriptor{*m.Config}, referenced...)
	}
	for _, d := range referenced {
		if !r.storage.BlobExists(req.Context(), d.Digest.String()) {
			return badRequest(ErrCodeManifestBlobUnknown, "blob unknown to registry", map[string]string{"digest": d.Digest.String()})
		}
	}

	dg, err := r.storage.PutManifest(req.Context(), rt.repo, rt.ref, data, contentType)
	if err != nil {
		return err
	}
	r.vlog("registry: stored %s:%s as %s", rt.repo, rt.ref, dg)

	h := w.Header()
	h.Set("Docker-Content-Digest", dg)
	h.Set("Location", ManifestPath(rt.repo, dg))
	if m.Subject != nil {
		h.Set("OCI-Subject", m.Subject.Digest.String())
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (r *Registry) deleteManifest(w http.ResponseWriter, req *http.Request, rt route) error {
	if err := r.storage.DeleteManifest(req.Context(), rt.repo, rt.ref); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// TagList is the body of a tags/list response.
type TagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// listTags returns the sorted tags of a repository, paginated by the n and
// last query parameters.
func (r *Registry) listTags(w http.ResponseWriter, req *http.Request, rt route) error {
	tags, err := r.storage.ListTags(req.Context(), rt.repo)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return &apiError{status: http.StatusNotFound, code: ErrCodeNameUnknown, message: "repository name not known to registry", detail: map[string]string{"name": rt.repo}}
	}
	slices.Sort(tags)
	q := req.URL.Query()
	if last := q.Get("last"); last != "" {
		i, found := slices.BinarySearch(tags, last)
		if found {
			i++
		}
		tags = tags[i:]
	}
	if n, err := strconv.Atoi(q.Get("n")); err == nil && n >= 0 && n < len(tags) {
		tags = tags[:n]
		if n > 0 {
			next := fmt.Sprintf("%s?n=%d&last=%s", TagsPath(rt.repo), n, tags[n-1])
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TagList{Name: rt.repo, Tags: tags})
	return nil
}

func (r *Registry) getBlob(w http.ResponseWriter, req *http.Request, rt route) error {
	rc, err := r.storage.GetBlob(req.Context(), rt.ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Docker-Content-Digest", rt.ref)
	if size, err := r.storage.BlobSize(req.Context(), rt.ref); err == nil {
		// Removed again when the body is encoded.
		h.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	writeBody(w, req, rc)
	return nil
}

func (r *Registry) headBlob(w http.ResponseWriter, req *http.Request, rt route) error {
	size, err := r.storage.BlobSize(req.Context(), rt.ref)
	if err != nil {
		return err
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Docker-Content-Digest", rt.ref)
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (r *Registry) deleteBlob(w http.ResponseWriter, req *http.Request, rt route) error {
	if err := r.storage.DeleteBlob(req.Context(), rt.ref); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// startUpload opens an upload session, or mounts an existing blob when the
// request names one with mount and from. Blobs are shared by all
// repositories so any known digest can be mounted.
func (r *Registry) startUpload(w http.ResponseWriter, req *http.Request, rt route) error {
	q := req.URL.Query()
	if mount := q.Get("mount"); q.Get("from") != "" && isDigest(mount) && r.storage.BlobExists(req.Context(), mount) {
		w.Header().Set("Location", BlobPath(rt.repo, mount))
		w.Header().Set("Docker-Content-Digest", mount)
		w.WriteHeader(http.StatusCreated)
		return nil
	}
	session, err := r.storage.NewUpload(req.Context())
	if err != nil {
		return err
	}
	uploadHeaders(w.Header(), rt.repo, session.UUID, 0)
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func uploadHeaders(h http.Header, repo, id string, written int64) {
	h.Set("Location", UploadPath(repo, id))
	h.Set("Range", fmt.Sprintf("0-%d", max(written-1, 0)))
	h.Set("Docker-Upload-UUID", id)
}

func (r *Registry) appendUpload(w http.ResponseWriter, req *http.Request, rt route) error {
	if err := compress.DecompressRequest(req); err != nil {
		return badRequest(ErrCodeBlobUploadInvalid, "undecodable request body", nil)
	}
	session, err := r.storage.CopyChunk(req.Context(), rt.ref, req.Body)
	if err != nil {
		return err
	}
	uploadHeaders(w.Header(), rt.repo, rt.ref, session.Written)
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// finishUpload appends any final chunk and commits the upload under the
// digest named by the digest query parameter.
func (r *Registry) finishUpload(w http.ResponseWriter, req *http.Request, rt route) error {
	if err := compress.DecompressRequest(req); err != nil {
		return badRequest(ErrCodeBlobUploadInvalid, "undecodable request body", nil)
	}
	want := req.URL.Query().Get("digest")
	if !isDigest(want) {
		return badRequest(ErrCodeDigestInvalid, "digest parameter required", nil)
	}
	if _, err := r.storage.CopyChunk(req.Context(), rt.ref, req.Body); err != nil {
		return err
	}
	dg, err := r.storage.CompleteUpload(req.Context(), rt.ref, want)
	if err != nil {
		return err
	}
	w.Header().Set("Location", BlobPath(rt.repo, dg))
	w.Header().Set("Docker-Content-Digest", dg)
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (r *Registry) uploadStatus(w http.ResponseWriter, req *http.Request, rt route) error {
	session, err := r.storage.GetUpload(req.Context(), rt.ref)
	if err != nil {
		return err
	}
	uploadHeaders(w.Header(), rt.repo, rt.ref, session.Written)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *Registry) cancelUpload(w http.ResponseWriter, req *http.Request, rt route) error {
	if err := r.storage.AbortUpload(req.Context(), rt.ref); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
