package git

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// CommitObject returns the commit with the given hash. A missing object is
// classified as CodeRefNotFound.
func (r *Repository) CommitObject(hash plumbing.Hash) (*object.Commit, error) {
	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, wrapError(err, fmt.Sprintf("failed to read commit %s", hash))
	}
	return commit, nil
}

// HasCommit reports whether the commit is present in the object store.
func (r *Repository) HasCommit(hash plumbing.Hash) bool {
	_, err := r.repo.CommitObject(hash)
	return err == nil
}

// ResolveRef resolves a reference name to the commit it ultimately points
// at, following symbolic refs and peeling annotated tags.
func (r *Repository) ResolveRef(name plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := storer.ResolveReference(r.repo.Storer, name)
	if err != nil {
		return plumbing.ZeroHash, wrapError(err, fmt.Sprintf("failed to resolve %s", name))
	}

	return r.peel(ref.Hash())
}

// peel follows annotated tags until it reaches a commit.
func (r *Repository) peel(hash plumbing.Hash) (plumbing.Hash, error) {
	for {
		tag, err := r.repo.TagObject(hash)
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return hash, nil
		}
		if err != nil {
			return plumbing.ZeroHash, wrapError(err, fmt.Sprintf("failed to peel %s", hash))
		}
		if tag.TargetType != plumbing.CommitObject && tag.TargetType != plumbing.TagObject {
			return plumbing.ZeroHash, fmt.Errorf("tag %s does not point at a commit", tag.Name)
		}
		hash = tag.Target
	}
}

// SetReference points name at hash, replacing any existing value.
func (r *Repository) SetReference(name plumbing.ReferenceName, hash plumbing.Hash) error {
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(name, hash)); err != nil {
		return wrapError(err, fmt.Sprintf("failed to set %s", name))
	}
	return nil
}

// ObjectHashes returns the hash of every object in the store, loose and
// packed. The order is unspecified.
func (r *Repository) ObjectHashes() ([]plumbing.Hash, error) {
	iter, err := r.repo.Storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return nil, wrapError(err, "failed to iterate objects")
	}
	defer iter.Close()

	var hashes []plumbing.Hash
	err = iter.ForEach(func(obj plumbing.EncodedObject) error {
		hashes = append(hashes, obj.Hash())
		return nil
	})
	if err != nil {
		return nil, wrapError(err, "failed to iterate objects")
	}

	return hashes, nil
}

// CommitHashes returns the hash of every commit in the store.
func (r *Repository) CommitHashes() ([]plumbing.Hash, error) {
	iter, err := r.repo.Storer.IterEncodedObjects(plumbing.CommitObject)
	if err != nil {
		return nil, wrapError(err, "failed to iterate commits")
	}
	defer iter.Close()

	var hashes []plumbing.Hash
	err = iter.ForEach(func(obj plumbing.EncodedObject) error {
		hashes = append(hashes, obj.Hash())
		return nil
	})
	if err != nil {
		return nil, wrapError(err, "failed to iterate commits")
	}

	return hashes, nil
}
