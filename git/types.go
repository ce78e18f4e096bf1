package git

import (
	"github.com/go-git/go-billy/v5"
	gogit "github.com/go-git/go-git/v5"
)

// DefaultRemote is the remote name used for every database.
const DefaultRemote = "origin"

// Repository wraps a go-git repository with platform conventions.
// It stores both the underlying go-git repository and a billy filesystem
// for all I/O operations, providing escape hatches for advanced use cases.
type Repository struct {
	path      string
	repo      *gogit.Repository
	fs        billy.Filesystem
	remoteOps RemoteOperations
}

// Remote is a simple value type representing a Git remote.
type Remote struct {
	Name string
	URLs []string
}

// Auth is an interface for authentication methods.
// It is satisfied by go-git's transport.AuthMethod.
type Auth interface {
	// Marker interface - satisfied by go-git transport.AuthMethod
}

// FetchOptions configures fetch operations.
type FetchOptions struct {
	RemoteName string // Default: "origin"
	RefSpecs   []string
	Auth       Auth
	// Force allows non-fast-forward updates of the destination refs.
	Force bool
}

// RemoteOptions configures remote management.
type RemoteOptions struct {
	Name string
	URL  string
}

// RepositoryOption configures repository creation operations (Init, Open).
type RepositoryOption func(*repositoryOptions)

// repositoryOptions holds the configuration for repository creation.
type repositoryOptions struct {
	fs        billy.Filesystem
	remoteOps RemoteOperations
	bare      bool
}

// WithFilesystem sets the billy filesystem to use for repository operations.
// If not provided, the host filesystem is used.
//
// Example:
//
//	repo, err := git.Init("/path/to/repo", git.WithFilesystem(memfs.New()))
func WithFilesystem(fs billy.Filesystem) RepositoryOption {
	return func(opts *repositoryOptions) {
		opts.fs = fs
	}
}

// WithRemoteOperations sets the RemoteOperations implementation used by
// Fetch. If not provided, defaults to the embedded go-git implementation.
//
// Example:
//
//	repo, err := git.Open(path, git.WithRemoteOperations(git.NewCLIRemoteOperations()))
func WithRemoteOperations(ops RemoteOperations) RepositoryOption {
	return func(opts *repositoryOptions) {
		opts.remoteOps = ops
	}
}

// WithBare creates a bare repository (no working tree).
// Only applicable to Init operations.
func WithBare() RepositoryOption {
	return func(opts *repositoryOptions) {
		opts.bare = true
	}
}
