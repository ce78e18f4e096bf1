package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/gitsource/git"
)

// completeMarker is written into a checkout once extraction has finished.
// A checkout directory is only ever published with the marker in place.
const completeMarker = ".gitdeps-ok"

// CheckoutPath returns the directory the checkout of oid lives in. The path
// depends only on the canonical URL and the oid.
func (d *Database) CheckoutPath(oid plumbing.Hash) string {
	return filepath.Join(d.cache.checkoutDir, d.ident, oid.String())
}

// IsCheckedOut reports whether a complete checkout of oid exists.
func (d *Database) IsCheckedOut(oid plumbing.Hash) bool {
	_, err := d.cache.fs.Stat(filepath.Join(d.CheckoutPath(oid), completeMarker))
	return err == nil
}

// Checkout returns the checkout of oid, extracting it first if needed.
//
// An existing checkout is returned after a single existence check. A new one
// is extracted, submodules included, into a temporary sibling directory that
// is renamed into place once complete, so concurrent readers see either no
// checkout or a complete one. When another writer wins the rename, its
// checkout is used and ours is discarded.
//
// Example:
//
//	oid, _ := db.Resolve(ctx, git.BranchRef("main"))
//	co, err := db.Checkout(ctx, oid)
//	manifest := filepath.Join(co.Path, "Package.toml")
func (d *Database) Checkout(ctx context.Context, oid plumbing.Hash) (*Checkout, error) {
	dest := d.CheckoutPath(oid)
	co := &Checkout{Path: dest, Oid: oid, Database: d}

	if d.IsCheckedOut(oid) {
		d.cache.logger.Debug("reusing checkout", "url", d.canonical, "oid", oid.String())
		d.touch(oid)
		return co, nil
	}

	fs := d.cache.fs
	parent := filepath.Dir(dest)
	if err := fs.MkdirAll(parent, 0o755); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to create checkout directory")
	}

	tmp, err := util.TempDir(fs, parent, "."+oid.String()+"-")
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to create temporary checkout directory")
	}
	published := false
	defer func() {
		if !published {
			_ = util.RemoveAll(fs, tmp)
		}
	}()

	d.cache.logger.Debug("extracting checkout", "url", d.canonical, "oid", oid.String(), "tmp", tmp)
	if err := d.extract(ctx, oid, tmp, []visit{{url: d.canonical, oid: oid}}); err != nil {
		return nil, err
	}

	if err := util.WriteFile(fs, filepath.Join(tmp, completeMarker), []byte(oid.String()+"\n"), 0o644); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to mark checkout complete")
	}

	// A directory without the marker can only be left over from an older,
	// interrupted layout; it is never published by this code.
	if _, err := fs.Stat(dest); err == nil && !d.IsCheckedOut(oid) {
		if err := util.RemoveAll(fs, dest); err != nil {
			return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to remove incomplete checkout")
		}
	}

	if err := fs.Rename(tmp, dest); err != nil {
		if !d.IsCheckedOut(oid) {
			return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to publish checkout")
		}
		d.cache.logger.Debug("checkout published concurrently", "url", d.canonical, "oid", oid.String())
	} else {
		published = true
	}

	d.touch(oid)
	return co, nil
}

func (d *Database) touch(oid plumbing.Hash) {
	d.cache.index.touch(indexKey(d.ident, oid.String()), CheckoutMetadata{
		URL:   d.canonical,
		Ident: d.ident,
		Oid:   oid.String(),
	}, now())
}

// visit identifies one repository snapshot on the path from a checkout's
// root to the submodule being extracted.
type visit struct {
	url string
	oid plumbing.Hash
}

// gitlink is a submodule entry found while writing a tree.
type gitlink struct {
	path string
	oid  plumbing.Hash
}

// extract writes the tree of oid into dir, then every submodule recorded in
// that tree. The database lock is only held while reading this database's
// objects; submodules are extracted from their own databases.
func (d *Database) extract(ctx context.Context, oid plumbing.Hash, dir string, chain []visit) error {
	links, err := d.writeTree(oid, dir)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}

	modules, err := readModules(d.cache.fs, filepath.Join(dir, ".gitmodules"))
	if err != nil {
		return err
	}

	for _, link := range links {
		sub, ok := modules[link.path]
		if !ok {
			d.cache.logger.Warn("skipping gitlink without .gitmodules entry", "url", d.canonical, "path", link.path)
			continue
		}

		dest := filepath.Join(dir, filepath.FromSlash(link.path))
		if err := d.updateSubmodule(ctx, sub, link, dest, chain); err != nil {
			return platformerrors.Wrapf(err, git.CodeSubmoduleFailed, "failed to update submodule `%s`", link.path)
		}
	}

	return nil
}

// writeTree writes the files of commit oid below dir and returns the
// gitlinks it encountered, in tree order.
func (d *Database) writeTree(oid plumbing.Hash, dir string) ([]gitlink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	repo, err := d.repository(false)
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(oid)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to read tree of %s", oid)
	}

	var links []gitlink
	if err := d.writeEntries(repo, tree, dir, "", &links); err != nil {
		return nil, err
	}
	return links, nil
}

func (d *Database) writeEntries(repo *git.Repository, tree *object.Tree, dir, prefix string, links *[]gitlink) error {
	fs := d.cache.fs

	for _, entry := range tree.Entries {
		target := filepath.Join(dir, filepath.FromSlash(entry.Name))
		rel := path.Join(prefix, entry.Name)

		switch entry.Mode {
		case filemode.Dir:
			sub, err := repo.Underlying().TreeObject(entry.Hash)
			if err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to read tree `%s`", rel)
			}
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to create `%s`", rel)
			}
			if err := d.writeEntries(repo, sub, target, rel, links); err != nil {
				return err
			}

		case filemode.Submodule:
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to create `%s`", rel)
			}
			*links = append(*links, gitlink{path: rel, oid: entry.Hash})

		case filemode.Symlink:
			content, err := readBlob(repo, entry.Hash)
			if err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to read `%s`", rel)
			}
			if err := fs.Symlink(string(content), target); err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to create symlink `%s`", rel)
			}

		default:
			perm := os.FileMode(0o644)
			if entry.Mode == filemode.Executable {
				perm = 0o755
			}
			if err := writeBlob(d, repo, entry.Hash, target, perm); err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to write `%s`", rel)
			}
		}
	}

	return nil
}

func readBlob(repo *git.Repository, hash plumbing.Hash) ([]byte, error) {
	blob, err := repo.Underlying().BlobObject(hash)
	if err != nil {
		return nil, err
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func writeBlob(d *Database, repo *git.Repository, hash plumbing.Hash, target string, perm os.FileMode) error {
	blob, err := repo.Underlying().BlobObject(hash)
	if err != nil {
		return err
	}
	r, err := blob.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := d.cache.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}
