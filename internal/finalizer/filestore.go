package finalizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooLarge is returned when a download passes the configured byte ceiling.
var ErrTooLarge = errors.New("artifact too large")

// FileStore keeps artifacts on the local filesystem under one root.
type FileStore struct {
	basePath string
}

// NewFileStore creates basePath if needed.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) BasePath() string {
	return s.basePath
}

// Path resolves a cleaned key to an absolute location under the root.
func (s *FileStore) Path(key string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// WriteStream copies r into key, refusing more than max bytes (0 means no
// limit). The file is written to a temp name first and renamed into place.
func (s *FileStore) WriteStream(ctx context.Context, key string, r io.Reader, max int64) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	fullPath, err := s.Path(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("storage: ensure directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".part-*")
	if err != nil {
		return "", 0, fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if max > 0 {
		src = io.LimitReader(r, max+1)
	}
	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, fmt.Errorf("storage: write file: %w", err)
	}
	if max > 0 && n > max {
		return "", 0, fmt.Errorf("more than %d bytes: %w", max, ErrTooLarge)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", 0, fmt.Errorf("storage: move into place: %w", err)
	}
	return fullPath, n, nil
}

// Remove deletes a file previously written under the root. Missing files are ignored.
func (s *FileStore) Remove(path string) error {
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("storage: %s is outside %s", path, s.basePath)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
