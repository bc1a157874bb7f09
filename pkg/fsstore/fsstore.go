// Package fsstore is a filesystem-backed chunk store: one file per chunk
// under a single directory, named after the chunk key. It backs the CLI's
// --chunks flag and serves as the reference ChunkStore implementation.
package fsstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/pkg/chunker"
)

// Chunk keys are standard base64 and may contain '/' and '+'; filenames
// substitute them deterministically so the mapping is stable across
// platforms.
var keyToFile = strings.NewReplacer("/", "_", "+", "-")

// Store writes chunk files into a directory.
type Store struct {
	dir string
	log *logrus.Logger
}

// New returns a store rooted at dir, creating it if missing. Logger may be
// nil.
func New(dir string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create chunk directory %s: %w", dir, err)
	}
	return &Store{dir: dir, log: logger}, nil
}

// WriteChunk persists c.Data under c.Key. Rewriting an existing key is
// harmless: identical keys carry identical bytes.
func (s *Store) WriteChunk(c chunker.Chunk) error {
	path := s.path(c.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, c.Data, 0o600); err != nil {
		return fmt.Errorf("write chunk %s: %w", c.Key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit chunk %s: %w", c.Key, err)
	}
	return nil
}

// ReadChunk returns the bytes stored under key, or nil, nil when the key is
// unknown.
func (s *Store) ReadChunk(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", key, err)
	}
	return data, nil
}

// DeleteChunk removes the chunk file. A missing file counts as success.
func (s *Store) DeleteChunk(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete chunk %s: %w", key, err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, keyToFile.Replace(key))
}
