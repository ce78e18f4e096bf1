package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const indexVersion = "1"

// accessResolution is how stale a recorded access must be before a reused
// checkout's LastAccess is rewritten. Within it, reuse leaves the index
// untouched on disk.
const accessResolution = time.Hour

// cacheIndex manages the metadata index for all checkouts.
// It provides thread-safe access to checkout metadata with JSON persistence.
// Changes are kept in memory until save, which merges them with whatever
// other processes wrote in the meantime.
type cacheIndex struct {
	Version   string                       `json:"version"`
	Checkouts map[string]*CheckoutMetadata `json:"checkouts"`

	mu      sync.RWMutex
	dirty   map[string]bool // keys set since the last save
	deleted map[string]bool // keys deleted since the last save
}

func newIndex() *cacheIndex {
	return &cacheIndex{
		Version:   indexVersion,
		Checkouts: make(map[string]*CheckoutMetadata),
		dirty:     make(map[string]bool),
		deleted:   make(map[string]bool),
	}
}

// indexKey is the composite key of a checkout: <ident>/<oid>.
func indexKey(ident, oid string) string {
	return ident + "/" + oid
}

// loadOrCreateIndex loads an existing index from disk or creates a new one.
// If the index file doesn't exist, it creates a new empty index.
// If the file exists but is corrupted, it returns an error.
func loadOrCreateIndex(fs billy.Filesystem, path string) (*cacheIndex, error) {
	index := newIndex()

	if _, err := fs.Stat(path); os.IsNotExist(err) {
		return index, nil
	}

	data, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	if err := json.Unmarshal(data, index); err != nil {
		return nil, fmt.Errorf("failed to parse index file: %w", err)
	}

	if index.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version: %s (expected %s)", index.Version, indexVersion)
	}

	if index.Checkouts == nil {
		index.Checkouts = make(map[string]*CheckoutMetadata)
	}

	return index, nil
}

// pending reports whether there are changes to save.
func (idx *cacheIndex) pending() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.dirty) > 0 || len(idx.deleted) > 0
}

// save merges pending changes into the on-disk index and writes it
// atomically. The caller must hold the index file lock.
func (idx *cacheIndex) save(fs billy.Filesystem, path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.dirty) == 0 && len(idx.deleted) == 0 {
		return nil
	}

	onDisk, err := loadOrCreateIndex(fs, path)
	if err != nil {
		return err
	}
	for key := range idx.deleted {
		delete(onDisk.Checkouts, key)
	}
	for key := range idx.dirty {
		if metadata, ok := idx.Checkouts[key]; ok {
			onDisk.Checkouts[key] = metadata
		}
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	// Write to temporary file first (atomic write)
	tmpPath := path + ".tmp"
	if err := util.WriteFile(fs, tmpPath, data, 0o644); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary index file: %w", err)
	}

	// Rename to final path (atomic on POSIX systems)
	if err := fs.Rename(tmpPath, path); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	for key, metadata := range onDisk.Checkouts {
		idx.Checkouts[key] = metadata
	}
	idx.dirty = make(map[string]bool)
	idx.deleted = make(map[string]bool)

	return nil
}

// get retrieves checkout metadata by composite key.
// Returns nil if the key doesn't exist.
func (idx *cacheIndex) get(key string) *CheckoutMetadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.Checkouts[key]
}

// set stores or updates checkout metadata for a composite key.
func (idx *cacheIndex) set(key string, metadata *CheckoutMetadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.Checkouts[key] = metadata
	idx.dirty[key] = true
	delete(idx.deleted, key)
}

// delete removes checkout metadata by composite key.
func (idx *cacheIndex) delete(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.Checkouts, key)
	delete(idx.dirty, key)
	idx.deleted[key] = true
}

// touch records an access to a checkout, creating its entry if needed.
func (idx *cacheIndex) touch(key string, metadata CheckoutMetadata, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing, ok := idx.Checkouts[key]
	switch {
	case !ok:
		metadata.CreatedAt = now
		metadata.LastAccess = now
		idx.Checkouts[key] = &metadata
	case now.Sub(existing.LastAccess) < accessResolution:
		return
	default:
		existing.LastAccess = now
	}
	idx.dirty[key] = true
	delete(idx.deleted, key)
}

// list returns all checkout metadata sorted by key.
// Returns copies to avoid concurrent modification issues.
func (idx *cacheIndex) list() []CheckoutMetadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	keys := make([]string, 0, len(idx.Checkouts))
	for key := range idx.Checkouts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]CheckoutMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, *idx.Checkouts[key])
	}
	return result
}

// filterByIdent returns the keys of all checkouts of one database.
func (idx *cacheIndex) filterByIdent(ident string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var keys []string
	for key, metadata := range idx.Checkouts {
		if metadata.Ident == ident {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// reset drops every entry, both in memory and on the next save.
func (idx *cacheIndex) reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for key := range idx.Checkouts {
		idx.deleted[key] = true
	}
	idx.Checkouts = make(map[string]*CheckoutMetadata)
	idx.dirty = make(map[string]bool)
}
