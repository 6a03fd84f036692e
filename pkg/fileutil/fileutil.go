// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fileutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFile atomically replaces path with data. Readers see either the old
// contents or the new contents, never a partial file.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return WriteFrom(path, bytes.NewReader(data), perm)
}

// WriteFrom atomically replaces path with the contents of r. It writes to a
// uniquely named temporary file next to path, syncs it and then renames it
// into place. The parent directory is created if needed.
func WriteFrom(path string, r io.Reader, perm os.FileMode) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := TempName(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(f, r); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// TempName returns a unique temporary file name next to path.
func TempName(path string) string {
	return path + ".tmp-" + uuid.NewString()
}

// IsTempName reports whether name was produced by TempName.
func IsTempName(name string) bool {
	base := filepath.Base(name)
	i := len(base) - len(".tmp-") - 36
	if i <= 0 {
		return false
	}
	if base[i:i+len(".tmp-")] != ".tmp-" {
		return false
	}
	_, err := uuid.Parse(base[i+len(".tmp-"):])
	return err == nil
}

// CopyFile copies a file from src to dst. It is able to overwrite existing
// files that are in use. It does this by writing to a temporary file and then
// moving it into place.
func CopyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcStat, err := srcFile.Stat()
	if err != nil {
		return err
	}
	return WriteFrom(dst, srcFile, srcStat.Mode().Perm())
}
