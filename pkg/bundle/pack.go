// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bundle packs a compiled program's source files into a portable zip
// archive and unpacks it again.
//
// An archive contains metadata.json at the root and each rendered source file
// under files/ at the path recorded for it in the metadata. Archives are
// deterministic: the same inputs always produce the same bytes.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/modreg/pkg/descriptor"
)

var (
	// ErrUnsupportedSourceKind indicates a source file kind Pack cannot render.
	ErrUnsupportedSourceKind = errors.New("unsupported source kind")
	// ErrUnsafeArchiveEntry indicates an archive entry resolves outside the destination.
	ErrUnsafeArchiveEntry = errors.New("unsafe archive entry")
	// ErrArchiveTooLarge indicates an archive exceeds the extraction limits.
	ErrArchiveTooLarge = errors.New("archive too large")
	// ErrMissingMetadata indicates an archive has no metadata.json.
	ErrMissingMetadata = errors.New("archive has no " + MetadataName)
	// ErrDestinationExists indicates Unpack was pointed at a non-empty directory.
	ErrDestinationExists = errors.New("destination is not empty")
)

// MediaType is the media type of a packed source bundle.
const MediaType = "application/vnd.ms.bicep.module.source.v1+zip"

// archiveName is the file name of the archive inside the scratch directory.
const archiveName = "sources.zip"

// zipEpoch is stamped on every entry so archives do not depend on wall time.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// SourceFile is one compiled source unit.
type SourceFile struct {
	URI  string
	Kind Kind
	Text string
}

// Packed is the result of Pack. It owns a scratch directory holding the
// archive; Close removes it.
type Packed struct {
	dir      string
	path     string
	data     []byte
	metadata Metadata
	desc     ocispec.Descriptor

	closeOnce sync.Once
	closeErr  error
}

// Path returns the archive's location on disk. It is valid until Close.
func (p *Packed) Path() string { return p.path }

// Bytes returns the archive contents.
func (p *Packed) Bytes() []byte { return p.data }

// Open returns a reader over the archive contents.
func (p *Packed) Open() io.Reader { return bytes.NewReader(p.data) }

// Metadata returns the metadata written into the archive.
func (p *Packed) Metadata() Metadata { return p.metadata }

// Descriptor returns the content descriptor of the archive.
func (p *Packed) Descriptor() ocispec.Descriptor { return p.desc }

// Close deletes the scratch directory. It is safe to call more than once.
func (p *Packed) Close() error {
	p.closeOnce.Do(func() {
		if p.dir != "" {
			p.closeErr = os.RemoveAll(p.dir)
		}
	})
	return p.closeErr
}

// Pack renders files and writes them, with their metadata, into a zip archive.
// entryPoint must be the URI of one of files.
func Pack(entryPoint string, files []SourceFile) (_ *Packed, err error) {
	if len(files) == 0 {
		return nil, errors.New("pack: no source files")
	}
	rendered := make(map[string]string, len(files))
	byURI := make(map[string]SourceFile, len(files))
	uris := make([]string, 0, len(files))
	for _, f := range files {
		if _, dup := byURI[f.URI]; dup {
			return nil, fmt.Errorf("pack: duplicate source file %q", f.URI)
		}
		text, err := f.Kind.Render(f.Text)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", f.URI, err)
		}
		rendered[f.URI] = text
		byURI[f.URI] = f
		uris = append(uris, f.URI)
	}
	if _, ok := byURI[entryPoint]; !ok {
		return nil, fmt.Errorf("pack: entry point %q is not among the source files", entryPoint)
	}

	paths, err := assignLocalPaths(uris)
	if err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}

	md := Metadata{EntryPoint: entryPoint}
	for _, f := range files {
		md.SourceFiles = append(md.SourceFiles, FileEntry{
			URI:       f.URI,
			LocalPath: paths[f.URI],
			Kind:      f.Kind,
		})
	}
	slices.SortFunc(md.SourceFiles, func(a, b FileEntry) int {
		switch {
		case a.LocalPath < b.LocalPath:
			return -1
		case a.LocalPath > b.LocalPath:
			return 1
		}
		return 0
	})

	dir, err := os.MkdirTemp("", "modreg-pack-")
	if err != nil {
		return nil, fmt.Errorf("pack: create scratch directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	archivePath := filepath.Join(dir, archiveName)
	if err := writeArchive(archivePath, &md, rendered); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("pack: read archive: %w", err)
	}
	return &Packed{
		dir:      dir,
		path:     archivePath,
		data:     data,
		metadata: md,
		desc:     descriptor.FromBytes(MediaType, data),
	}, nil
}

func writeArchive(dst string, md *Metadata, rendered map[string]string) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}()

	zw := zip.NewWriter(f)
	mdBytes, err := EncodeMetadata(md)
	if err != nil {
		return err
	}
	if err := writeEntry(zw, MetadataName, mdBytes); err != nil {
		return err
	}
	for _, e := range md.SourceFiles {
		name := path.Join(FilesDir, e.LocalPath)
		if err := writeEntry(zw, name, []byte(rendered[e.URI])); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return f.Sync()
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: zipEpoch,
	}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
