package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// IndexFileName is the registry file kept in the database directory
const IndexFileName = "indexed_collections.json"

// IndexRegistry records which collections are eligible for retrieval.
// Its Enabled map is what the Merger consumes.
type IndexRegistry struct {
	path    string
	mu      sync.RWMutex
	indexed map[string]bool
}

// LoadIndexRegistry reads the registry from dir, starting empty when absent
func LoadIndexRegistry(dir string) (*IndexRegistry, error) {
	r := &IndexRegistry{
		path:    filepath.Join(dir, IndexFileName),
		indexed: make(map[string]bool),
	}

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read index registry: %v", ErrDataAccess, err)
	}
	if len(data) == 0 {
		return r, nil
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("%w: corrupt index registry %s: %v", ErrDataAccess, r.path, err)
	}
	for _, n := range names {
		r.indexed[n] = true
	}
	return r, nil
}

// Index marks name as eligible and persists the registry
func (r *IndexRegistry) Index(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed[name] = true
	return r.saveLocked()
}

// Unindex removes name and persists the registry
func (r *IndexRegistry) Unindex(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexed, name)
	return r.saveLocked()
}

// Clear removes every collection
func (r *IndexRegistry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = make(map[string]bool)
	return r.saveLocked()
}

// IsIndexed reports whether name is eligible
func (r *IndexRegistry) IsIndexed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexed[name]
}

// Names returns the indexed collection names, sorted
func (r *IndexRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.indexed))
	for n := range r.indexed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Enabled returns a copy of the name to enabled-flag mapping
func (r *IndexRegistry) Enabled() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.indexed))
	for n, on := range r.indexed {
		out[n] = on
	}
	return out
}

func (r *IndexRegistry) saveLocked() error {
	names := make([]string, 0, len(r.indexed))
	for n := range r.indexed {
		names = append(names, n)
	}
	sort.Strings(names)

	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	return nil
}
