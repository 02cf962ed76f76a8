// Package blob provides a filesystem-backed content store.
//
// Locators are forward-slash relative paths ("collections/2025-10-06/x.json")
// resolved under a single root directory. Writes go through a temp file and
// rename so readers never observe a partial blob.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a locator has no stored blob.
var ErrNotFound = errors.New("blob: not found")

// FS stores blobs under a root directory.
type FS struct {
	root string
}

// NewFS creates the store, making the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("blob: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FS{root: root}, nil
}

// resolve maps a locator to an absolute path, rejecting escapes from the
// root.
func (s *FS) resolve(locator string) (string, error) {
	if locator == "" {
		return "", errors.New("blob: empty locator")
	}
	clean := filepath.Clean(filepath.FromSlash(locator))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("blob: locator %q escapes the store root", locator)
	}
	return filepath.Join(s.root, clean), nil
}

// Get reads the blob at locator.
func (s *FS) Get(_ context.Context, locator string) ([]byte, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("blob: read %s: %w", locator, err)
	}
	return data, nil
}

// Put writes data at locator, creating parent directories and replacing any
// existing blob atomically.
func (s *FS) Put(_ context.Context, locator string, data []byte) error {
	path, err := s.resolve(locator)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blob: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("blob: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blob: write %s: %w", locator, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: close %s: %w", locator, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: rename %s: %w", locator, err)
	}
	return nil
}
