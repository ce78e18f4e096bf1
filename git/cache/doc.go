// Package cache stores git dependencies on disk: shared bare databases and
// immutable per-revision checkouts.
//
// # Overview
//
// The cache avoids repeated network operations by maintaining:
//
//  1. Databases: one bare repository per canonical remote URL, holding every
//     object ever fetched for it. All dependents of a URL share one database.
//  2. Checkouts: one directory per (database, oid) with the extracted tree
//     and its submodules. Never rewritten once complete.
//  3. Metadata index: tracks checkouts for explicit maintenance.
//
// # Layout
//
//	<root>/git/
//	├── index.json                      # Checkout metadata
//	├── db/
//	│   ├── dep1-5f0c1a9e2b7d4c3a/      # Bare database
//	│   └── dep1-5f0c1a9e2b7d4c3a.lock  # Advisory lock
//	└── checkouts/
//	    └── dep1-5f0c1a9e2b7d4c3a/
//	        └── <40-hex oid>/
//	            ├── .gitdeps-ok         # Written last
//	            └── ...
//
// # Usage
//
//	c, err := cache.New(root)
//	if err != nil {
//	    return err
//	}
//
//	db, err := c.Database("https://github.com/my/dep1")
//	oid, err := db.Resolve(ctx, git.BranchRef("main"))
//	co, err := db.Checkout(ctx, oid)
//
//	// Persist access times for Prune.
//	err = c.Flush()
//
// # Network Policy
//
// Only Fetch touches the network, and Resolve only calls it when it has to:
// branches, tags and the default branch are fetched so they reflect the
// remote, while explicit revisions are looked up locally first. Callers that
// already hold an oid use HasCommit and Checkout, which never fetch except
// for submodule commits that are not yet present.
//
// # Concurrency
//
// Distinct URLs are fully independent. Writes to one database are serialized
// by a mutex within the process and by gofslock across processes.
// Checkouts are extracted into a temporary directory and renamed into
// place, so readers never observe a partial tree.
package cache
