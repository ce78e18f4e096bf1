package git

import (
	"context"
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// RemoteOperations defines the interface for Git remote network operations.
// This interface allows for testing by enabling mock implementations that
// don't require actual network access.
//
// Two implementations are provided: NewRemoteOperations uses go-git's
// embedded transport and NewCLIRemoteOperations shells out to the git
// executable. Both report failures with the same platform error codes and
// messages.
type RemoteOperations interface {
	// Fetch downloads objects and refs from the remote repository.
	// An up-to-date repository is not an error.
	Fetch(ctx context.Context, repo *Repository, opts FetchOptions) error
}

// defaultRemoteOps is the default implementation of RemoteOperations that
// uses go-git's network operations to interact with remote repositories.
type defaultRemoteOps struct{}

// NewRemoteOperations returns the embedded go-git implementation.
func NewRemoteOperations() RemoteOperations {
	return &defaultRemoteOps{}
}

// Fetch implements RemoteOperations.Fetch using go-git's Fetch.
// Tags are only fetched when a refspec names them.
func (d *defaultRemoteOps) Fetch(ctx context.Context, repo *Repository, opts FetchOptions) error {
	fetchOpts := &gogit.FetchOptions{
		RemoteName: remoteName(opts),
		Tags:       gogit.NoTags,
		Force:      opts.Force,
	}

	for _, spec := range opts.RefSpecs {
		refSpec := config.RefSpec(spec)
		if err := refSpec.Validate(); err != nil {
			return wrapError(err, fmt.Sprintf("invalid refspec %q", spec))
		}
		fetchOpts.RefSpecs = append(fetchOpts.RefSpecs, refSpec)
	}

	if opts.Auth != nil {
		auth, ok := opts.Auth.(transport.AuthMethod)
		if !ok {
			return wrapError(fmt.Errorf("invalid auth type"), "failed to convert auth")
		}
		fetchOpts.Auth = auth
	}

	err := repo.repo.FetchContext(ctx, fetchOpts)
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return wrapError(err, "failed to fetch from remote")
	}

	if !fetchOpts.Force {
		if err := checkFastForward(ctx, repo.repo, fetchOpts); err != nil {
			return wrapError(err, "failed to fetch from remote")
		}
	}

	return nil
}

// checkFastForward fails with gogit.ErrForceNeeded when a non-tag
// destination ref still differs from what the remote advertises. go-git only
// reports rejected updates itself when it also follows tags.
func checkFastForward(ctx context.Context, repo *gogit.Repository, opts *gogit.FetchOptions) error {
	remote, err := repo.Remote(opts.RemoteName)
	if err != nil {
		return err
	}

	advertised, err := remote.ListContext(ctx, &gogit.ListOptions{Auth: opts.Auth})
	if err != nil {
		return err
	}

	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(advertised))
	for _, ref := range advertised {
		byName[ref.Name()] = ref
	}

	for _, ref := range advertised {
		hash, ok := advertisedHash(byName, ref)
		if !ok {
			continue
		}

		for _, spec := range opts.RefSpecs {
			if spec.IsForceUpdate() || !spec.Match(ref.Name()) {
				continue
			}
			dst := spec.Dst(ref.Name())
			if dst.IsTag() {
				continue
			}

			local, err := repo.Reference(dst, true)
			if err != nil {
				continue
			}
			if local.Hash() != hash {
				return gogit.ErrForceNeeded
			}
		}
	}

	return nil
}

func advertisedHash(byName map[plumbing.ReferenceName]*plumbing.Reference, ref *plumbing.Reference) (plumbing.Hash, bool) {
	for i := 0; i < 5 && ref != nil; i++ {
		if ref.Type() == plumbing.HashReference {
			return ref.Hash(), true
		}
		ref = byName[ref.Target()]
	}
	return plumbing.ZeroHash, false
}

func remoteName(opts FetchOptions) string {
	if opts.RemoteName == "" {
		return DefaultRemote
	}
	return opts.RemoteName
}

// ListRemotes returns all configured remotes for this repository.
func (r *Repository) ListRemotes() ([]Remote, error) {
	remotes, err := r.repo.Remotes()
	if err != nil {
		return nil, wrapError(err, "failed to list remotes")
	}

	result := make([]Remote, 0, len(remotes))
	for _, remote := range remotes {
		cfg := remote.Config()
		result = append(result, Remote{
			Name: cfg.Name,
			URLs: cfg.URLs,
		})
	}

	return result, nil
}

// AddRemote adds a new remote to the repository configuration.
// Returns an error classified as CodeAlreadyExists if the remote exists.
//
// Example:
//
//	err := repo.AddRemote(git.RemoteOptions{
//	    Name: "origin",
//	    URL:  "https://github.com/upstream/repo",
//	})
func (r *Repository) AddRemote(opts RemoteOptions) error {
	_, err := r.repo.CreateRemote(&config.RemoteConfig{
		Name: opts.Name,
		URLs: []string{opts.URL},
	})
	if err != nil {
		return wrapError(err, "failed to add remote")
	}

	return nil
}

// RemoteURL returns the first URL configured for the named remote.
func (r *Repository) RemoteURL(name string) (string, error) {
	remote, err := r.repo.Remote(name)
	if err != nil {
		return "", wrapError(err, fmt.Sprintf("failed to get remote %q", name))
	}

	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", wrapError(gogit.ErrMissingURL, fmt.Sprintf("failed to get remote %q", name))
	}

	return urls[0], nil
}

// Fetch downloads objects and refs from the remote repository using the
// RemoteOperations the repository was opened with.
//
// Example:
//
//	err := repo.Fetch(ctx, git.FetchOptions{
//	    RefSpecs: git.BranchRef("main").RefSpecs(),
//	})
func (r *Repository) Fetch(ctx context.Context, opts FetchOptions) error {
	//nolint:wrapcheck // Errors from remoteOps are already wrapped in their implementations
	return r.remoteOps.Fetch(ctx, r, opts)
}
