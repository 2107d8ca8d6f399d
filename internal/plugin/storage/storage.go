// Package storage is the per-plugin persisted key-value store. Every
// value lives as a JSON file under <plugins-root>/<plugin>/storage/, and
// keys are opaque identifiers, never interpreted as paths. That closes a
// sandbox-escape vector independent of the module-resolution containment
// check.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Storage errors.
var (
	// ErrKeyNotFound is returned when reading an unset key.
	ErrKeyNotFound = errors.New("storage key not found")

	// ErrInvalidKey is returned for keys that are empty or look like
	// paths.
	ErrInvalidKey = errors.New("invalid storage key")
)

const storageDirName = "storage"

// Store persists JSON values for one plugin.
type Store struct {
	dir string
}

// NewStore creates a store rooted at <pluginDir>/storage. The directory
// is created lazily on first write.
func NewStore(pluginDir string) *Store {
	return &Store{dir: filepath.Join(pluginDir, storageDirName)}
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// validateKey rejects anything that could reach outside the storage
// directory. Keys are identifiers, not paths.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, os.PathSeparator) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, key)
	}
	return nil
}

// keyPath maps a validated key to its file.
func (s *Store) keyPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Set stores a JSON-serializable value under the key.
func (s *Store) Set(key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage value %q: %w", key, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(s.keyPath(key), data, 0o644); err != nil {
		return fmt.Errorf("write storage key %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under the key, or ErrKeyNotFound.
func (s *Store) Get(key string) (any, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("read storage key %q: %w", key, err)
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode storage key %q: %w", key, err)
	}
	return value, nil
}

// Delete removes the key. Deleting an unset key is a no-op.
func (s *Store) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete storage key %q: %w", key, err)
	}
	return nil
}

// List returns all stored keys sorted by name.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list storage: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every key in the store.
func (s *Store) Clear() error {
	keys, err := s.List()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
