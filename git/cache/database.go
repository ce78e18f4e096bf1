package cache

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/gitsource/git"
)

// minShortID is the shortest abbreviation ShortID returns.
const minShortID = 7

// URL returns the URL the database was first requested with.
func (d *Database) URL() string {
	return d.url
}

// CanonicalURL returns the identity key of the database.
func (d *Database) CanonicalURL() string {
	return d.canonical
}

// Ident returns the directory name of the database.
func (d *Database) Ident() string {
	return d.ident
}

// Path returns the directory of the bare repository.
func (d *Database) Path() string {
	return d.path
}

// Exists reports whether the database has been created on disk.
func (d *Database) Exists() bool {
	_, err := d.cache.fs.Stat(d.path)
	return err == nil
}

// repository returns the opened bare repository. With create set, a
// missing repository is initialized with origin pointing at the URL.
// The caller must hold d.mu.
func (d *Database) repository(create bool) (*git.Repository, error) {
	if d.repo != nil {
		return d.repo, nil
	}

	opts := []git.RepositoryOption{
		git.WithFilesystem(d.cache.fs),
		git.WithRemoteOperations(d.cache.remoteOps),
	}

	if _, err := d.cache.fs.Stat(d.path); err == nil {
		repo, err := git.Open(d.path, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open database at %s: %w", d.path, err)
		}
		if err := d.ensureOrigin(repo); err != nil {
			return nil, err
		}
		d.repo = repo
		return repo, nil
	} else if !os.IsNotExist(err) || !create {
		return nil, platformerrors.Newf(platformerrors.CodeNotFound, "no database for `%s`", d.url)
	}

	repo, err := git.Init(d.path, append(opts, git.WithBare())...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := repo.AddRemote(git.RemoteOptions{Name: git.DefaultRemote, URL: d.url}); err != nil {
		return nil, fmt.Errorf("failed to add remote: %w", err)
	}

	d.cache.logger.Debug("created database", "url", d.canonical, "path", d.path)
	d.repo = repo
	return repo, nil
}

// ensureOrigin adds the origin remote to a database that lacks one, as left
// behind by an older layout or an external `git init`.
func (d *Database) ensureOrigin(repo *git.Repository) error {
	remotes, err := repo.ListRemotes()
	if err != nil {
		return fmt.Errorf("failed to read database remotes: %w", err)
	}
	for _, remote := range remotes {
		if remote.Name == git.DefaultRemote {
			return nil
		}
	}

	d.cache.logger.Debug("restoring database remote", "url", d.canonical, "path", d.path)
	if err := repo.AddRemote(git.RemoteOptions{Name: git.DefaultRemote, URL: d.url}); err != nil {
		return fmt.Errorf("failed to add remote: %w", err)
	}
	return nil
}

// Fetch updates the database from the remote so that every given reference
// becomes resolvable locally. Fetching only adds objects and refs; after a
// failure the database is left as it was and the call can be retried.
//
// The reporter receives an "Updating" line before any network access. In
// offline mode Fetch fails with a network error instead.
func (d *Database) Fetch(ctx context.Context, refs ...git.Reference) error {
	return d.fetch(ctx, true, refs...)
}

func (d *Database) fetch(ctx context.Context, report bool, refs ...git.Reference) error {
	if d.cache.offline {
		return platformerrors.Newf(platformerrors.CodeNetwork,
			"can't update git repository `%s`: network access is disabled (offline mode)", d.url)
	}

	var specs []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		for _, spec := range ref.RefSpecs() {
			if !seen[spec] {
				seen[spec] = true
				specs = append(specs, spec)
			}
		}
	}

	if report {
		d.cache.reporter.Status("Updating", fmt.Sprintf("git repository `%s`", d.url))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return withFileLock(d.cache.logger, d.lockPath, func() error {
		// Another process may have written objects while we waited.
		d.repo = nil
		d.known = nil

		_, statErr := d.cache.fs.Stat(d.path)
		created := os.IsNotExist(statErr)

		repo, err := d.repository(true)
		if err != nil {
			return err
		}

		d.cache.logger.Debug("fetching", "url", d.canonical, "refspecs", specs)
		err = repo.Fetch(ctx, git.FetchOptions{RefSpecs: specs, Auth: d.cache.auth})

		// Objects written by an external git are only visible after reopening.
		d.repo = nil

		if err != nil && created {
			if rmErr := util.RemoveAll(d.cache.fs, d.path); rmErr != nil {
				d.cache.logger.Warn("failed to remove empty database", "path", d.path, "error", rmErr)
			}
		}
		return err
	})
}

// HasCommit reports whether the commit is present locally.
func (d *Database) HasCommit(oid plumbing.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	repo, err := d.repository(false)
	if err != nil {
		return false
	}
	return repo.HasCommit(oid)
}

// ResolveLocal resolves ref using only what is already in the database.
// Failures are classified as git.CodeRefNotFound.
func (d *Database) ResolveLocal(ref git.Reference) (plumbing.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	repo, err := d.repository(false)
	if err != nil {
		return plumbing.ZeroHash, notFound(ref, err)
	}

	if ref.Kind == git.Rev {
		return resolveRev(repo, ref.Name)
	}

	oid, err := repo.ResolveRef(ref.LocalName())
	if err != nil {
		return plumbing.ZeroHash, notFound(ref, err)
	}
	return oid, nil
}

// Resolve resolves ref to a commit. Branches, tags and the default branch
// are fetched first so they reflect the remote, which fails in offline mode.
// A revision is looked up locally first and only fetched when it is unknown.
func (d *Database) Resolve(ctx context.Context, ref git.Reference) (plumbing.Hash, error) {
	if ref.Kind == git.Rev {
		if oid, err := d.ResolveLocal(ref); err == nil {
			return oid, nil
		}
	}

	if err := d.Fetch(ctx, ref); err != nil {
		return plumbing.ZeroHash, err
	}
	return d.ResolveLocal(ref)
}

func notFound(ref git.Reference, cause error) error {
	var msg string
	switch ref.Kind {
	case git.Branch:
		msg = fmt.Sprintf("failed to find branch `%s`", ref.Name)
	case git.Tag:
		msg = fmt.Sprintf("failed to find tag `%s`", ref.Name)
	case git.Rev:
		msg = fmt.Sprintf("revspec '%s' not found", ref.Name)
	default:
		msg = "failed to find default branch"
	}
	return platformerrors.Wrap(cause, git.CodeRefNotFound, msg)
}

// resolveRev resolves an explicit revision: a full oid, a ref name, or an
// unambiguous abbreviated oid of a known commit.
func resolveRev(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if len(rev) == 40 && isHex(rev) {
		oid := plumbing.NewHash(rev)
		if repo.HasCommit(oid) {
			return oid, nil
		}
		return plumbing.ZeroHash, revNotFound(rev)
	}

	candidates := []plumbing.ReferenceName{
		plumbing.NewTagReferenceName(rev),
		plumbing.NewRemoteReferenceName(git.DefaultRemote, rev),
	}
	if strings.HasPrefix(rev, "refs/") {
		name := plumbing.ReferenceName(rev)
		if short := strings.TrimPrefix(rev, "refs/heads/"); short != rev {
			name = plumbing.NewRemoteReferenceName(git.DefaultRemote, short)
		}
		candidates = []plumbing.ReferenceName{name}
	}
	for _, name := range candidates {
		if oid, err := repo.ResolveRef(name); err == nil {
			return oid, nil
		}
	}

	if len(rev) >= 4 && isHex(rev) {
		commits, err := repo.CommitHashes()
		if err != nil {
			return plumbing.ZeroHash, err
		}

		prefix := strings.ToLower(rev)
		var match plumbing.Hash
		matches := 0
		for _, oid := range commits {
			if strings.HasPrefix(oid.String(), prefix) {
				match = oid
				matches++
			}
		}
		switch {
		case matches == 1:
			return match, nil
		case matches > 1:
			return plumbing.ZeroHash, platformerrors.Newf(git.CodeRefNotFound,
				"short revspec '%s' is ambiguous", rev)
		}
	}

	return plumbing.ZeroHash, revNotFound(rev)
}

func revNotFound(rev string) error {
	return platformerrors.Newf(git.CodeRefNotFound, "revspec '%s' not found", rev)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// ShortID returns the shortest prefix of oid, at least 7 characters long,
// that no other object in the database shares. The set of known objects is
// recomputed after every fetch.
func (d *Database) ShortID(oid plumbing.Hash) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.known == nil {
		repo, err := d.repository(false)
		if err != nil {
			return "", err
		}
		hashes, err := repo.ObjectHashes()
		if err != nil {
			return "", err
		}
		known := make([]string, 0, len(hashes))
		for _, h := range hashes {
			known = append(known, h.String())
		}
		sort.Strings(known)
		d.known = known
	}

	return shortID(d.known, oid.String()), nil
}

// shortID computes the minimal unambiguous prefix of id against the sorted
// list known. Only the sorted neighbours of id can share a longer prefix.
func shortID(known []string, id string) string {
	length := minShortID

	i := sort.SearchStrings(known, id)
	neighbours := []int{i - 1, i + 1}
	if i >= len(known) || known[i] != id {
		neighbours = []int{i - 1, i}
	}
	for _, n := range neighbours {
		if n < 0 || n >= len(known) {
			continue
		}
		if l := commonPrefix(known[n], id) + 1; l > length {
			length = l
		}
	}

	if length > len(id) {
		length = len(id)
	}
	return id[:length]
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
