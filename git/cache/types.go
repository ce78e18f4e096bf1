package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/jmgilman/go/gitsource/git"
)

// Cache manages the on-disk state of git dependencies under one root.
//
// Databases: one bare repository per canonical remote URL, holding every
// object and ref ever fetched for that URL. Databases are only ever added
// to; a failed fetch leaves the previous state in place.
//
// Checkouts: one immutable directory per (database, oid), extracted from the
// database together with every submodule recorded in the tree. A checkout
// is published atomically and never rewritten.
//
// The cache keeps a metadata index of checkouts for explicit maintenance
// (Prune, Clear, Stats). Nothing is removed automatically.
type Cache struct {
	root        string // Cache root (e.g., ~/.gitdeps)
	dbDir       string // git/db subdirectory
	checkoutDir string // git/checkouts subdirectory
	indexPath   string // git/index.json path

	fs        billy.Filesystem // Host filesystem for all I/O
	index     *cacheIndex      // Checkout metadata index
	remoteOps git.RemoteOperations
	reporter  Reporter
	logger    *slog.Logger
	auth      git.Auth
	offline   bool

	databases map[string]*Database // canonical URL -> database

	mu sync.Mutex
}

// Database is the shared bare object store for one canonical remote URL.
// All methods are safe for concurrent use; writes are serialized within the
// process by a mutex and across processes by an advisory file lock.
type Database struct {
	cache     *Cache
	url       string // URL as first requested
	canonical string // canonical form, identity key
	ident     string // directory name under git/db
	path      string
	lockPath  string

	mu    sync.Mutex
	repo  *git.Repository // opened lazily, reset after every fetch
	known []string        // sorted hex ids of every object; nil when stale
}

// Checkout is a materialized, immutable working tree for one oid.
type Checkout struct {
	// Path is the directory holding the extracted files.
	Path string
	// Oid is the commit the checkout was extracted from.
	Oid plumbing.Hash
	// Database is the database the commit was read from.
	Database *Database
}

// Reporter receives user-facing progress lines, e.g.
// Status("Updating", "git repository `https://...`").
type Reporter interface {
	Status(status, message string)
}

// CheckoutMetadata tracks metadata for a single checkout.
type CheckoutMetadata struct {
	URL        string    `json:"url"`         // Canonical repository URL
	Ident      string    `json:"ident"`       // Database directory name
	Oid        string    `json:"oid"`         // Full commit id
	CreatedAt  time.Time `json:"created_at"`  // When checkout was created
	LastAccess time.Time `json:"last_access"` // Last time checkout was used
}

// Stats provides statistics about the cache.
type Stats struct {
	Databases      int   // Number of bare databases
	Checkouts      int   // Number of indexed checkouts
	TotalSize      int64 // Total disk usage in bytes
	DatabaseSize   int64 // Disk usage of databases
	CheckoutsSize  int64 // Disk usage of checkouts
	OldestCheckout *time.Time
	NewestCheckout *time.Time
}

// PruneStrategy determines which checkouts should be removed during pruning.
type PruneStrategy interface {
	ShouldPrune(metadata *CheckoutMetadata) bool
}

// pruneAll implements PruneStrategy by selecting every checkout.
type pruneAll struct{}

func (p *pruneAll) ShouldPrune(*CheckoutMetadata) bool {
	return true
}

// pruneOlderThan implements PruneStrategy for last-access-based expiration.
type pruneOlderThan struct {
	maxAge time.Duration
	now    func() time.Time
}

func (p *pruneOlderThan) ShouldPrune(metadata *CheckoutMetadata) bool {
	return p.now().Sub(metadata.LastAccess) > p.maxAge
}

// pruneToSize implements PruneStrategy for size-based pruning.
type pruneToSize struct {
	maxBytes int64
}

func (p *pruneToSize) ShouldPrune(*CheckoutMetadata) bool {
	// Handled by Prune, which needs sizes of every checkout.
	return false
}

// pruneExcept vetoes another strategy for checkouts that must be kept.
type pruneExcept struct {
	inner PruneStrategy
	keep  func(metadata *CheckoutMetadata) bool
}

func (p *pruneExcept) ShouldPrune(metadata *CheckoutMetadata) bool {
	return !p.keep(metadata) && p.inner.ShouldPrune(metadata)
}
