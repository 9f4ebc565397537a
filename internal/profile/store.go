package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	profileExt = ".bin"
	pendingDir = "pending"
)

// ErrProfileNotFound is returned when no profile exists under the
// requested name.
var ErrProfileNotFound = errors.New("profile not found")

// ErrInvalidProfileName is returned for empty or unsafe profile names.
var ErrInvalidProfileName = errors.New("invalid profile name")

// Store persists speaker profiles as <name>.bin blobs in a directory.
// Saves are atomic (temp file, fsync, rename) so a concurrent Load never
// observes a partially written blob. Same-name writes are last-writer-wins.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore opens (creating if necessary) a profile store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("profile directory cannot be empty")
	}

	if err := os.MkdirAll(filepath.Join(dir, pendingDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory %s: %w", dir, err)
	}

	return &Store{dir: dir}, nil
}

// ValidateName checks that name is non-empty and free of path traversal.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidProfileName)
	}

	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidProfileName, name)
	}

	return nil
}

// Save creates or overwrites the profile under name. The blob is durable
// before Save returns.
func (s *Store) Save(name string, blob []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return atomicWrite(filepath.Join(s.dir, name+profileExt), blob)
}

// Load returns the profile blob stored under name.
func (s *Store) Load(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, err := os.ReadFile(filepath.Join(s.dir, name+profileExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
		}
		return nil, fmt.Errorf("failed to read profile %q: %w", name, err)
	}

	return blob, nil
}

// List returns the names of all completed profiles, sorted for
// deterministic output. Pending partial enrollments are not reported.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), profileExt))
	}

	sort.Strings(names)
	return names, nil
}

// Delete removes the profile stored under name, if present.
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, name+profileExt)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete profile %q: %w", name, err)
	}

	return nil
}

// SavePending parks partial enrollment state for name so a later session
// can resume. Pending state never appears in List.
func (s *Store) SavePending(name string, blob []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return atomicWrite(filepath.Join(s.dir, pendingDir, name+profileExt), blob)
}

// LoadPending returns parked partial enrollment state for name, or nil
// when none exists.
func (s *Store) LoadPending(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, err := os.ReadFile(filepath.Join(s.dir, pendingDir, name+profileExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending state for %q: %w", name, err)
	}

	return blob, nil
}

// DeletePending discards parked partial enrollment state for name.
func (s *Store) DeletePending(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, pendingDir, name+profileExt)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete pending state for %q: %w", name, err)
	}

	return nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// atomicWrite writes blob to path via a temp file, fsync, and rename so
// readers see either the old blob or the complete new one.
func atomicWrite(path string, blob []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write blob: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish blob: %w", err)
	}

	return nil
}
