package git

import (
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// Init creates a new Git repository at the specified path.
//
// By default, Init creates a standard (non-bare) repository using the local
// filesystem rooted at the specified path. Dependency databases are always
// created with WithBare.
//
// Examples:
//
//	// Create a bare repository
//	repo, err := git.Init("/path/to/repo.git", git.WithBare())
//
//	// Create repository with custom filesystem (for testing)
//	repo, err := git.Init("/path/to/repo", git.WithFilesystem(memfs.New()))
func Init(path string, opts ...RepositoryOption) (*Repository, error) {
	path, options := resolveOptions(path, opts)

	fs := options.fs
	if err := fs.MkdirAll(path, 0o755); err != nil {
		return nil, wrapError(err, "failed to create repository directory")
	}

	scopedFs, err := fs.Chroot(path)
	if err != nil {
		return nil, wrapError(err, "failed to scope filesystem to path")
	}

	if !options.bare {
		dotGitFs, err := scopedFs.Chroot(".git")
		if err != nil {
			return nil, wrapError(err, "failed to create .git filesystem")
		}

		storage := filesystem.NewStorage(dotGitFs, cache.NewObjectLRUDefault())
		repo, err := gogit.Init(storage, scopedFs)
		if err != nil {
			return nil, wrapError(err, "failed to initialize repository")
		}

		return newRepository(path, repo, scopedFs, options), nil
	}

	storage := filesystem.NewStorage(scopedFs, cache.NewObjectLRUDefault())
	repo, err := gogit.Init(storage, nil)
	if err != nil {
		return nil, wrapError(err, "failed to initialize bare repository")
	}

	return newRepository(path, repo, scopedFs, options), nil
}

// Open opens an existing Git repository at the specified path.
//
// Both standard repositories (with a .git directory) and bare repositories
// are supported. Returns an error classified as CodeNotFound if no
// repository exists at the path.
func Open(path string, opts ...RepositoryOption) (*Repository, error) {
	path, options := resolveOptions(path, opts)

	scopedFs, err := options.fs.Chroot(path)
	if err != nil {
		return nil, wrapError(err, "failed to scope filesystem to path")
	}

	var repo *gogit.Repository
	if stat, statErr := scopedFs.Stat(".git"); statErr == nil && stat.IsDir() {
		dotGitFs, err := scopedFs.Chroot(".git")
		if err != nil {
			return nil, wrapError(err, "failed to scope filesystem to .git")
		}

		storage := filesystem.NewStorage(dotGitFs, cache.NewObjectLRUDefault())
		repo, err = gogit.Open(storage, scopedFs)
		if err != nil {
			return nil, wrapError(err, "failed to open repository")
		}
	} else {
		storage := filesystem.NewStorage(scopedFs, cache.NewObjectLRUDefault())
		repo, err = gogit.Open(storage, nil)
		if err != nil {
			return nil, wrapError(err, "failed to open repository")
		}
	}

	return newRepository(path, repo, scopedFs, options), nil
}

// resolveOptions applies opts. Without an explicit filesystem the host
// filesystem is used and path is made absolute.
func resolveOptions(path string, opts []RepositoryOption) (string, *repositoryOptions) {
	options := &repositoryOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.fs == nil {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		options.fs = osfs.New("/")
	}

	return path, options
}

func newRepository(path string, repo *gogit.Repository, fs billy.Filesystem, options *repositoryOptions) *Repository {
	ops := options.remoteOps
	if ops == nil {
		ops = NewRemoteOperations()
	}

	return &Repository{
		path:      path,
		repo:      repo,
		fs:        fs,
		remoteOps: ops,
	}
}

// Path returns the path the repository was opened or created at.
func (r *Repository) Path() string {
	return r.path
}

// Underlying returns the underlying go-git Repository for advanced operations
// not covered by this wrapper.
func (r *Repository) Underlying() *gogit.Repository {
	return r.repo
}

// Filesystem returns the billy.Filesystem scoped to the repository. For bare
// repositories it is the repository directory itself.
func (r *Repository) Filesystem() billy.Filesystem {
	return r.fs
}
