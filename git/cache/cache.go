package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/gitsource/git"
)

// New creates a cache rooted at root. Databases live in <root>/git/db and
// checkouts in <root>/git/checkouts; both are created if missing.
//
// The root is threaded explicitly rather than read from the environment so
// that test instances are isolated.
//
// Example:
//
//	c, err := cache.New("/home/me/.gitdeps",
//	    cache.WithReporter(shell),
//	    cache.WithLogger(logger))
func New(root string, opts ...Option) (*Cache, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "invalid cache root %q", root)
	}

	c := &Cache{
		root:        abs,
		dbDir:       filepath.Join(abs, "git", "db"),
		checkoutDir: filepath.Join(abs, "git", "checkouts"),
		indexPath:   filepath.Join(abs, "git", "index.json"),
		fs:          osfs.New("/"),
		databases:   make(map[string]*Database),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.remoteOps == nil {
		c.remoteOps = git.NewRemoteOperations()
	}
	if c.reporter == nil {
		c.reporter = nopReporter{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	if err := c.fs.MkdirAll(c.dbDir, 0o755); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to create database directory")
	}
	if err := c.fs.MkdirAll(c.checkoutDir, 0o755); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to create checkouts directory")
	}

	index, err := loadOrCreateIndex(c.fs, c.indexPath)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to load index")
	}
	c.index = index

	return c, nil
}

type nopReporter struct{}

func (nopReporter) Status(string, string) {}

// Root returns the absolute cache root.
func (c *Cache) Root() string {
	return c.root
}

// Offline reports whether fetching is disabled.
func (c *Cache) Offline() bool {
	return c.offline
}

// Database returns the database for rawURL, creating the in-memory handle on
// first use. Spellings of the same canonical URL share one Database. Nothing
// touches the disk until the database is fetched or read.
func (c *Cache) Database(rawURL string) (*Database, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.databases[canonical]; ok {
		return db, nil
	}

	ident := Ident(canonical)
	db := &Database{
		cache:     c,
		url:       rawURL,
		canonical: canonical,
		ident:     ident,
		path:      filepath.Join(c.dbDir, ident),
		lockPath:  filepath.Join(c.dbDir, ident+".lock"),
	}
	c.databases[canonical] = db

	return db, nil
}

// Flush writes pending checkout metadata to the index.
func (c *Cache) Flush() error {
	if !c.index.pending() {
		return nil
	}
	return withFileLock(c.logger, c.indexPath+".lock", func() error {
		if err := c.index.save(c.fs, c.indexPath); err != nil {
			return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to save index")
		}
		return nil
	})
}

// Checkouts returns metadata for every indexed checkout, sorted by database
// and oid.
func (c *Cache) Checkouts() []CheckoutMetadata {
	return c.index.list()
}

// Clear removes all cached data for a specific URL: the database, every
// checkout extracted from it and their index entries.
//
// Example:
//
//	c.Clear("https://github.com/my/repo")
func (c *Cache) Clear(rawURL string) error {
	db, err := c.Database(rawURL)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	err = withFileLock(c.logger, db.lockPath, func() error {
		if err := util.RemoveAll(c.fs, db.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove database: %w", err)
		}
		if err := util.RemoveAll(c.fs, filepath.Join(c.checkoutDir, db.ident)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove checkouts: %w", err)
		}
		return nil
	})
	if err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to clear `%s`", rawURL)
	}

	db.repo = nil
	db.known = nil

	for _, key := range c.index.filterByIdent(db.ident) {
		c.index.delete(key)
	}

	c.logger.Debug("cleared database", "url", db.canonical, "ident", db.ident)
	return c.Flush()
}

// ClearAll removes every database and checkout and resets the index.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := util.RemoveAll(c.fs, c.dbDir); err != nil && !os.IsNotExist(err) {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to remove databases")
	}
	if err := c.fs.MkdirAll(c.dbDir, 0o755); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to recreate database directory")
	}

	if err := util.RemoveAll(c.fs, c.checkoutDir); err != nil && !os.IsNotExist(err) {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to remove checkouts")
	}
	if err := c.fs.MkdirAll(c.checkoutDir, 0o755); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to recreate checkouts directory")
	}

	c.databases = make(map[string]*Database)
	c.index.reset()

	return withFileLock(c.logger, c.indexPath+".lock", func() error {
		if err := c.fs.Remove(c.indexPath); err != nil && !os.IsNotExist(err) {
			return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to remove index")
		}
		return nil
	})
}

// Stats returns statistics about the cache (entries, disk usage, etc.).
func (c *Cache) Stats() (*Stats, error) {
	stats := &Stats{}

	entries, err := c.fs.ReadDir(c.dbDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to list databases")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			stats.Databases++
		}
	}

	if size, err := c.calculateDirSize(c.dbDir); err == nil {
		stats.DatabaseSize = size
	}
	if size, err := c.calculateDirSize(c.checkoutDir); err == nil {
		stats.CheckoutsSize = size
	}
	stats.TotalSize = stats.DatabaseSize + stats.CheckoutsSize

	checkouts := c.index.list()
	stats.Checkouts = len(checkouts)
	for _, metadata := range checkouts {
		if stats.OldestCheckout == nil || metadata.CreatedAt.Before(*stats.OldestCheckout) {
			t := metadata.CreatedAt
			stats.OldestCheckout = &t
		}
		if stats.NewestCheckout == nil || metadata.CreatedAt.After(*stats.NewestCheckout) {
			t := metadata.CreatedAt
			stats.NewestCheckout = &t
		}
	}

	return stats, nil
}

// now is replaced in tests.
var now = time.Now
