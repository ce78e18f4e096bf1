package cache

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"
)

// Prune removes checkouts selected by any of the strategies (OR logic) and
// returns the metadata of what was removed. Databases are never pruned;
// use Clear for that.
//
// Pruning is only ever explicit. Without strategies nothing is removed.
//
// Examples:
//
//	// Remove checkouts not used in 30 days
//	c.Prune(cache.PruneOlderThan(30*24*time.Hour))
//
//	// Remove everything the lockfile does not pin
//	c.Prune(cache.Except(cache.PruneAll(), isLocked))
func (c *Cache) Prune(strategies ...PruneStrategy) ([]CheckoutMetadata, error) {
	var sizeStrategy *pruneToSize
	var sizeKeep func(*CheckoutMetadata) bool
	var otherStrategies []PruneStrategy
	for _, strategy := range strategies {
		switch s := strategy.(type) {
		case *pruneToSize:
			sizeStrategy = s
		case *pruneExcept:
			if inner, ok := s.inner.(*pruneToSize); ok {
				sizeStrategy = inner
				sizeKeep = s.keep
				continue
			}
			otherStrategies = append(otherStrategies, s)
		default:
			otherStrategies = append(otherStrategies, s)
		}
	}

	allMetadata := c.index.list()
	marked := make(map[string]bool)

	for i := range allMetadata {
		metadata := &allMetadata[i]
		for _, strategy := range otherStrategies {
			if strategy.ShouldPrune(metadata) {
				marked[indexKey(metadata.Ident, metadata.Oid)] = true
				break
			}
		}
	}

	if sizeStrategy != nil {
		for _, key := range c.applySizeStrategy(sizeStrategy, sizeKeep, allMetadata, marked) {
			marked[key] = true
		}
	}

	var removed []CheckoutMetadata
	for _, metadata := range allMetadata {
		key := indexKey(metadata.Ident, metadata.Oid)
		if !marked[key] {
			continue
		}

		checkoutPath := filepath.Join(c.checkoutDir, metadata.Ident, metadata.Oid)
		if err := util.RemoveAll(c.fs, checkoutPath); err != nil && !os.IsNotExist(err) {
			return removed, platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to remove checkout %s", checkoutPath)
		}
		c.logger.Debug("pruned checkout", "url", metadata.URL, "oid", metadata.Oid)

		c.index.delete(key)
		removed = append(removed, metadata)
	}

	if err := c.Flush(); err != nil {
		return removed, err
	}
	return removed, nil
}

// applySizeStrategy determines which checkouts to remove to stay under the
// size limit, least-recently-accessed first.
func (c *Cache) applySizeStrategy(
	strategy *pruneToSize,
	keep func(*CheckoutMetadata) bool,
	allMetadata []CheckoutMetadata,
	alreadyMarked map[string]bool,
) []string {
	type candidate struct {
		key      string
		metadata CheckoutMetadata
		size     int64
	}

	var candidates []candidate
	var totalSize int64
	for _, metadata := range allMetadata {
		key := indexKey(metadata.Ident, metadata.Oid)
		size, err := c.calculateDirSize(filepath.Join(c.checkoutDir, metadata.Ident, metadata.Oid))
		if err != nil {
			// Skip if can't determine size
			continue
		}
		if alreadyMarked[key] {
			continue
		}
		totalSize += size
		if keep != nil && keep(&metadata) {
			continue
		}
		candidates = append(candidates, candidate{key: key, metadata: metadata, size: size})
	}

	if totalSize <= strategy.maxBytes {
		return nil
	}

	// Sort by last access time (oldest first)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].metadata.LastAccess.Before(candidates[j].metadata.LastAccess)
	})

	var toRemove []string
	currentSize := totalSize
	for _, candidate := range candidates {
		if currentSize <= strategy.maxBytes {
			break
		}
		toRemove = append(toRemove, candidate.key)
		currentSize -= candidate.size
	}

	return toRemove
}

// calculateDirSize calculates the disk usage of a directory recursively.
// Symlinks are counted by their own size and not followed.
func (c *Cache) calculateDirSize(path string) (int64, error) {
	info, err := c.fs.Lstat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var size int64
	err = c.walkDir(path, func(_ string, info os.FileInfo) error {
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// walkDir walks a directory tree, calling fn for each entry.
func (c *Cache) walkDir(root string, fn func(path string, info os.FileInfo) error) error {
	entries, err := c.fs.ReadDir(root)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		info, err := c.fs.Lstat(path)
		if err != nil {
			continue
		}

		if err := fn(path, info); err != nil {
			return err
		}

		if info.IsDir() {
			if err := c.walkDir(path, fn); err != nil {
				return err
			}
		}
	}

	return nil
}
