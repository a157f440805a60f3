package assets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store provides filesystem operations on the downloaded-media directory.
// Blobs live under <root>/servers/<serverID>/items/<itemID>/. Writes are
// serialized by an exclusive lock; reads take a shared lock so a size
// probe never observes a partial write.
type Store struct {
	root string
	mu   sync.RWMutex
}

// NewStore creates a Store rooted at the given directory. The directory
// must be an absolute path (resolved at config load time).
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the root directory of the store.
func (s *Store) Root() string {
	return s.root
}

// ItemPath builds the relative path for a named blob of an item.
func ItemPath(serverID, itemID, name string) string {
	return filepath.Join("servers", serverID, "items", itemID, name)
}

// Create writes the contents of r to the named blob, creating parent
// directories as needed, and returns the blob's relative path.
func (s *Store) Create(serverID, itemID, name string, r io.Reader) (string, error) {
	relPath := ItemPath(serverID, itemID, name)

	absPath, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	f, err := os.Create(absPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", relPath, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(absPath)
		return "", fmt.Errorf("writing %s: %w", relPath, err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", relPath, err)
	}

	return relPath, nil
}

// Size returns the size in bytes of a blob by relative path. A missing
// blob reports size 0 with no error; the sync pipeline treats missing and
// empty blobs identically (an abandoned download).
func (s *Store) Size(relPath string) (int64, error) {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("statting %s: %w", relPath, err)
	}

	return info.Size(), nil
}

// Exists reports whether a blob exists at the given relative path.
func (s *Store) Exists(relPath string) (bool, error) {
	absPath, err := s.resolve(relPath)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(absPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statting %s: %w", relPath, err)
	}

	return true, nil
}

// RemoveItem deletes every blob belonging to an item. Returns nil if the
// item directory does not exist.
func (s *Store) RemoveItem(serverID, itemID string) error {
	absPath, err := s.resolve(filepath.Join("servers", serverID, "items", itemID))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.RemoveAll(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing item %s/%s: %w", serverID, itemID, err)
	}

	return nil
}

// resolve converts a relative path to absolute, rejecting any path that
// escapes the store root.
func (s *Store) resolve(relPath string) (string, error) {
	absPath := filepath.Join(s.root, relPath)

	cleaned := filepath.Clean(absPath)
	if cleaned != s.root && !strings.HasPrefix(cleaned, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes store root", relPath)
	}

	return cleaned, nil
}
