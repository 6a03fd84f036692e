// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Limits bounds the resources Unpack may consume.
type Limits struct {
	MaxEntries   int
	MaxTotalSize int64
}

// DefaultLimits are applied for zero fields of Limits.
var DefaultLimits = Limits{
	MaxEntries:   10000,
	MaxTotalSize: 64 << 20,
}

func (l Limits) withDefaults() Limits {
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultLimits.MaxEntries
	}
	if l.MaxTotalSize <= 0 {
		l.MaxTotalSize = DefaultLimits.MaxTotalSize
	}
	return l
}

// UnpackBytes is Unpack for an in-memory archive.
func UnpackBytes(ctx context.Context, data []byte, dest string, limits Limits) (*Metadata, error) {
	return Unpack(ctx, bytes.NewReader(data), int64(len(data)), dest, limits)
}

// Unpack extracts the archive in r into dest and returns its metadata.
//
// dest must not exist or be empty. Extraction happens in a staging directory
// next to dest which is renamed into place only after every entry has been
// written, so on failure or cancellation dest is left untouched.
func Unpack(ctx context.Context, r io.ReaderAt, size int64, dest string, limits Limits) (_ *Metadata, err error) {
	limits = limits.withDefaults()
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("unpack: open archive: %w", err)
	}
	if len(zr.File) > limits.MaxEntries {
		return nil, fmt.Errorf("%w: %d entries exceeds limit of %d", ErrArchiveTooLarge, len(zr.File), limits.MaxEntries)
	}

	var declared uint64
	var mdFile *zip.File
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return nil, err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: %q is a symlink", ErrUnsafeArchiveEntry, f.Name)
		}
		if f.UncompressedSize64 > uint64(limits.MaxTotalSize)-declared {
			return nil, fmt.Errorf("%w: declared size exceeds limit of %d bytes", ErrArchiveTooLarge, limits.MaxTotalSize)
		}
		declared += f.UncompressedSize64
		if path.Clean(f.Name) == MetadataName {
			mdFile = f
		}
	}
	if mdFile == nil {
		return nil, ErrMissingMetadata
	}

	dest = filepath.Clean(dest)
	if err := checkDestination(dest); err != nil {
		return nil, err
	}
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("unpack: create parent directory: %w", err)
	}
	stage, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".unpack-")
	if err != nil {
		return nil, fmt.Errorf("unpack: create staging directory: %w", err)
	}
	defer func() {
		// After a successful rename the staging path no longer exists.
		os.RemoveAll(stage)
	}()

	remaining := limits.MaxTotalSize
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := extractEntry(stage, f, remaining)
		if err != nil {
			return nil, err
		}
		remaining -= n
	}

	mdBytes, err := os.ReadFile(filepath.Join(stage, MetadataName))
	if err != nil {
		return nil, fmt.Errorf("unpack: read metadata: %w", err)
	}
	md, err := DecodeMetadata(mdBytes)
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	for _, e := range md.SourceFiles {
		if err := checkEntryName(path.Join(FilesDir, e.LocalPath)); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("unpack: prepare destination: %w", err)
	}
	if err := os.Rename(stage, dest); err != nil {
		return nil, fmt.Errorf("unpack: move into place: %w", err)
	}
	return md, nil
}

// checkDestination requires dest to be absent or an empty directory.
func checkDestination(dest string) error {
	entries, err := os.ReadDir(dest)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unpack: inspect destination: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrDestinationExists, dest)
	}
	return nil
}

// checkEntryName rejects names that are absolute, contain a volume or
// backslash, or have any parent-directory segment.
func checkEntryName(name string) error {
	bad := func(why string) error {
		return fmt.Errorf("%w: %q %s", ErrUnsafeArchiveEntry, name, why)
	}
	switch {
	case name == "":
		return bad("is empty")
	case strings.ContainsRune(name, '\\'):
		return bad("contains a backslash")
	case strings.HasPrefix(name, "/"), filepath.IsAbs(name), filepath.VolumeName(name) != "":
		return bad("is absolute")
	case strings.ContainsRune(name, 0):
		return bad("contains NUL")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return bad("escapes the destination")
		}
		if strings.Contains(seg, ":") {
			return bad("contains a volume separator")
		}
	}
	return nil
}

func isSubpath(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// extractEntry writes f below root and returns the number of bytes written.
// It fails if more than budget bytes would be written.
func extractEntry(root string, f *zip.File, budget int64) (int64, error) {
	name := path.Clean(f.Name)
	if name == "." {
		return 0, nil
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if !isSubpath(root, target) || target == root {
		return 0, fmt.Errorf("%w: %q", ErrUnsafeArchiveEntry, f.Name)
	}
	if f.FileInfo().IsDir() {
		return 0, os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("unpack %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("unpack %s: %w", f.Name, err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("unpack %s: %w", f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: extracted size exceeds limit", ErrArchiveTooLarge)
	}
	return n, nil
}

// ReadSources reads the source files of a bundle unpacked at dir. Files of
// unknown kinds are returned with their stored text.
func ReadSources(dir string) (*Metadata, []SourceFile, error) {
	mdBytes, err := os.ReadFile(filepath.Join(dir, MetadataName))
	if err != nil {
		return nil, nil, fmt.Errorf("read sources: %w", err)
	}
	md, err := DecodeMetadata(mdBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("read sources: %w", err)
	}
	files := make([]SourceFile, 0, len(md.SourceFiles))
	filesRoot := filepath.Join(dir, FilesDir)
	for _, e := range md.SourceFiles {
		target := filepath.Join(filesRoot, filepath.FromSlash(e.LocalPath))
		if err := checkEntryName(e.LocalPath); err != nil || !isSubpath(filesRoot, target) {
			return nil, nil, fmt.Errorf("read sources: %w: %q", ErrUnsafeArchiveEntry, e.LocalPath)
		}
		text, err := os.ReadFile(target)
		if err != nil {
			return nil, nil, fmt.Errorf("read sources: %w", err)
		}
		files = append(files, SourceFile{URI: e.URI, Kind: e.Kind, Text: string(text)})
	}
	return md, files, nil
}
