package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	platformerrors "github.com/jmgilman/go/errors"
	"lukechampine.com/blake3"

	"github.com/jmgilman/go/gitsource/git"
	"github.com/jmgilman/go/gitsource/git/cache"
)

// GitSource serves the packages of one (URL, reference) pair out of the
// cache. Sources naming different references of the same URL share one
// database but have independent checkouts.
type GitSource struct {
	cache  *cache.Cache
	id     SourceID
	fs     billy.Filesystem
	opts   *options
	mu     sync.Mutex
	db     *cache.Database
	co     *cache.Checkout
	pkgs   []*Package
	loaded bool
}

var _ Source = (*GitSource)(nil)

// NewGitSource returns a source for id. When id carries a precise oid, the
// source is pinned to it and Update only fetches if the oid is missing from
// the database.
//
// Example:
//
//	id, _ := source.NewGitSourceID("https://github.com/org/dep", git.BranchRef("main"))
//	src, _ := source.NewGitSource(c, id)
//	if err := src.Update(ctx); err != nil {
//	    return err
//	}
//	pkg, err := src.Query("dep")
func NewGitSource(c *cache.Cache, id SourceID, opts ...Option) (*GitSource, error) {
	if !id.IsGit() {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "`%s` is not a git source", id)
	}

	db, err := c.Database(id.URL())
	if err != nil {
		return nil, err
	}

	return &GitSource{
		cache: c,
		id:    id,
		fs:    osfs.New("/"),
		opts:  newOptions(opts),
		db:    db,
	}, nil
}

// ID returns the source identifier, including the precise oid once known.
func (s *GitSource) ID() SourceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Database returns the database backing the source.
func (s *GitSource) Database() *cache.Database {
	return s.db
}

// Update resolves the reference (or the pinned oid), extracts the checkout
// and discovers its packages. Every failure is reported as
//
//	Unable to update <url>
//
// followed by the underlying cause, keeping the cause's error code.
func (s *GitSource) Update(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.update(ctx); err != nil {
		code := platformerrors.GetCode(err)
		if code == platformerrors.CodeUnknown {
			code = platformerrors.CodeInternal
		}
		return platformerrors.Wrapf(err, code, "Unable to update %s", s.id.URL())
	}
	return nil
}

func (s *GitSource) update(ctx context.Context) error {
	ref := s.id.Reference()
	if precise := s.id.Precise(); precise != "" {
		ref = git.RevRef(precise)
	}

	oid, err := s.db.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	s.opts.logger.Debug("resolved git source", "url", s.id.URL(), "reference", ref.String(), "oid", oid.String())

	co, err := s.db.Checkout(ctx, oid)
	if err != nil {
		return err
	}

	id := s.id.WithPrecise(oid.String())
	pkgs, err := Discover(s.fs, co.Path, id, s.opts.logger)
	if err != nil {
		return err
	}

	s.id = id
	s.co = co
	s.pkgs = pkgs
	s.loaded = true
	return nil
}

// Oid returns the commit the source resolved to. It is the zero hash before
// a successful Update.
func (s *GitSource) Oid() plumbing.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.co == nil {
		return plumbing.ZeroHash
	}
	return s.co.Oid
}

// Checkout returns the checkout packages are served from, or nil before a
// successful Update.
func (s *GitSource) Checkout() *cache.Checkout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.co
}

// Packages returns the packages found in the checkout.
func (s *GitSource) Packages() []*Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkgs
}

// Query returns the package named name.
func (s *GitSource) Query(name string) (*Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil, platformerrors.Newf(platformerrors.CodeInternal, "git source `%s` has not been updated", s.id.URL())
	}
	return query(s.pkgs, name, s.id.URL())
}

// PackageAt returns the package whose manifest lives in dir, which must be
// inside the checkout. Path dependencies between packages of one repository
// are resolved this way.
func (s *GitSource) PackageAt(dir string) (*Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir = filepath.Clean(dir)
	for _, pkg := range s.pkgs {
		if pkg.Root() == dir {
			return pkg, nil
		}
	}
	return nil, platformerrors.Newf(platformerrors.CodeNotFound,
		"failed to read `%s`: no package found in %s", filepath.Join(dir, ManifestName), s.id.URL())
}

// Describe returns `<name> v<version> (<url>#<short-oid>)`. The short oid
// is the shortest prefix that is unambiguous in the database.
func (s *GitSource) Describe(id PackageID) string {
	precise := id.Source.Precise()
	if precise == "" {
		return id.String()
	}
	if short, err := s.db.ShortID(plumbing.NewHash(precise)); err == nil {
		precise = short
	}
	return fmt.Sprintf("%s v%s (%s#%s)", id.Name, id.Version, id.Source.URL(), precise)
}

// Fingerprint identifies the package content by the resolved oid and the
// package's location in the checkout. A checkout never changes once
// extracted, so edits made in the upstream clone never alter it.
func (s *GitSource) Fingerprint(pkg *Package) (string, error) {
	s.mu.Lock()
	co := s.co
	s.mu.Unlock()

	if co == nil {
		return "", platformerrors.Newf(platformerrors.CodeInternal, "git source `%s` has not been updated", s.id.URL())
	}

	rel, err := filepath.Rel(co.Path, pkg.Root())
	if err != nil {
		return "", platformerrors.Wrap(err, platformerrors.CodeInternal, "package is outside of the checkout")
	}

	sum := blake3.Sum256([]byte(pkg.ID.Source.String() + "\x00" + filepath.ToSlash(rel)))
	return hex.EncodeToString(sum[:]), nil
}
