package cache

import (
	"log/slog"
	"time"

	"github.com/jmgilman/go/gitsource/git"
)

// Option configures a Cache.
type Option func(*Cache)

// WithRemoteOperations sets how databases fetch from their remotes. Defaults
// to the embedded go-git implementation.
//
// Example:
//
//	c, _ := cache.New(root, cache.WithRemoteOperations(git.NewCLIRemoteOperations()))
func WithRemoteOperations(ops git.RemoteOperations) Option {
	return func(c *Cache) {
		c.remoteOps = ops
	}
}

// WithAuth provides authentication for network operations.
//
// Example:
//
//	auth, _ := git.SSHKeyFile("git", "/home/me/.ssh/id_ed25519", "")
//	c, _ := cache.New(root, cache.WithAuth(auth))
func WithAuth(auth git.Auth) Option {
	return func(c *Cache) {
		c.auth = auth
	}
}

// WithReporter sets the receiver of progress lines.
func WithReporter(r Reporter) Option {
	return func(c *Cache) {
		c.reporter = r
	}
}

// WithLogger sets the structured logger. Defaults to discarding.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithOffline makes every fetch fail with a network error instead of
// touching the network. Resolution that only needs local data still works.
func WithOffline(offline bool) Option {
	return func(c *Cache) {
		c.offline = offline
	}
}

// PruneAll selects every checkout.
func PruneAll() PruneStrategy {
	return &pruneAll{}
}

// PruneOlderThan removes checkouts not accessed within the specified duration.
//
// Example:
//
//	c.Prune(cache.PruneOlderThan(30*24*time.Hour)) // Remove if unused for 30 days
func PruneOlderThan(maxAge time.Duration) PruneStrategy {
	return &pruneOlderThan{maxAge: maxAge, now: time.Now}
}

// PruneToSize removes least-recently-accessed checkouts until the total size
// of all checkouts is under maxBytes.
//
// Example:
//
//	c.Prune(cache.PruneToSize(10*1024*1024*1024)) // Keep under 10GB
func PruneToSize(maxBytes int64) PruneStrategy {
	return &pruneToSize{maxBytes: maxBytes}
}

// Except never prunes a checkout for which keep returns true, whatever the
// wrapped strategy decides.
//
// Example:
//
//	// Keep everything the lockfile pins.
//	c.Prune(cache.Except(cache.PruneAll(), func(m *cache.CheckoutMetadata) bool {
//	    return locked[m.Oid]
//	}))
func Except(strategy PruneStrategy, keep func(metadata *CheckoutMetadata) bool) PruneStrategy {
	return &pruneExcept{inner: strategy, keep: keep}
}
