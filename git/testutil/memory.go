// Package testutil provides fixtures for testing git-backed dependency
// sources: in-memory bare stores and on-disk upstream repositories that can
// be served over file:// URLs.
package testutil

import (
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jmgilman/go/gitsource/git"
)

// NewMemoryRepo creates a new in-memory bare repository for testing.
// All operations are in-memory and will not persist after the test completes.
//
// Example:
//
//	repo, fs, err := testutil.NewMemoryRepo()
//	if err != nil {
//	    t.Fatal(err)
//	}
func NewMemoryRepo() (*git.Repository, billy.Filesystem, error) {
	fs := memfs.New()

	repo, err := git.Init("/", git.WithFilesystem(fs), git.WithBare())
	if err != nil {
		//nolint:wrapcheck // Test utility - errors from git package are already wrapped
		return nil, nil, err
	}

	return repo, fs, nil
}

// CreateTestCommit writes a commit holding a single file directly into the
// object store and returns its hash. No reference is updated.
func CreateTestCommit(repo *git.Repository, path, content, message string, parents ...plumbing.Hash) (plumbing.Hash, error) {
	s := repo.Underlying().Storer

	blob, err := storeBlob(s, []byte(content))
	if err != nil {
		return plumbing.ZeroHash, err
	}

	tree, err := storeTree(s, map[string]treeNode{path: {blob: blob, mode: regularMode}})
	if err != nil {
		return plumbing.ZeroHash, err
	}

	sig := object.Signature{Name: TestAuthor, Email: TestEmail, When: time.Unix(1577836800, 0).UTC()}
	return storeCommit(s, &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	})
}
