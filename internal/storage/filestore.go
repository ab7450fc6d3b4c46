// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists artifacts on the local filesystem at
// content-addressed paths. Writes go through a temp file and a rename, so
// concurrent writers of the same content converge on one complete file.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dermagate/ingestion/internal/models"
)

// FileStore writes and removes artifacts on the local filesystem.
type FileStore struct {
	dirMode  os.FileMode
	fileMode os.FileMode
}

// NewFileStore creates a filesystem artifact store.
func NewFileStore() *FileStore {
	return &FileStore{
		dirMode:  0o755,
		fileMode: 0o644,
	}
}

// Address builds the content-addressed path: directory + signature + "." +
// lowercase(format). directory must already end with a separator.
func Address(directory string, sig models.ContentSignature, format string) string {
	return directory + string(sig) + "." + strings.ToLower(format)
}

// Write persists everything read from r at address, creating parent
// directories as needed. The file appears at address only once complete.
func (s *FileStore) Write(r io.Reader, address string) error {
	dir := filepath.Dir(address)
	if err := os.MkdirAll(dir, s.dirMode); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Any early return leaves the temp file behind otherwise.
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Chmod(s.fileMode); err != nil {
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, address); err != nil {
		return fmt.Errorf("rename artifact into place: %w", err)
	}
	committed = true

	slog.Debug("artifact written", "address", address)
	return nil
}

// Remove deletes the artifact at address. A missing file is not an error.
func (s *FileStore) Remove(address string) error {
	err := os.Remove(address)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove artifact %s: %w", address, err)
}

// Exists reports whether a regular file is present at address.
func (s *FileStore) Exists(address string) bool {
	info, err := os.Stat(address)
	return err == nil && info.Mode().IsRegular()
}
