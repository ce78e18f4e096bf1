// Package git provides a thin wrapper around go-git for the repositories
// that back git dependencies: bare databases that mirror a remote, plus the
// reference and object helpers needed to resolve revisions inside them.
//
// The library uses go-billy for all filesystem operations and exposes the
// wrapped go-git types through escape hatches (Underlying, Filesystem).
//
// # Core Types
//
// Repository wraps a go-git repository opened on a billy filesystem. Init and
// Open create one; WithBare selects a bare layout, which is what dependency
// databases use.
//
// Reference names what a dependency follows: the remote's default branch, a
// branch, a tag or an explicit revision. RefSpecs returns the refspecs that
// make a reference resolvable locally and LocalName the ref it lands under:
//
//	ref := git.BranchRef("main")
//	err := repo.Fetch(ctx, git.FetchOptions{RefSpecs: ref.RefSpecs()})
//	oid, err := repo.ResolveRef(ref.LocalName())
//
// # Fetching
//
// The RemoteOperations interface abstracts network access so tests can
// provide a mock through WithRemoteOperations. Two implementations exist:
//
//   - NewRemoteOperations fetches with go-git's embedded transports. Tags are
//     only fetched when a refspec names them, and a non-fast-forward update
//     is rejected unless FetchOptions.Force is set.
//   - NewCLIRemoteOperations runs `git fetch --force` through the exec
//     library. Authentication is left to git's credential helpers and ssh
//     configuration. It requires the host filesystem; memfs is rejected.
//
// Both report failures with the same codes and messages, so callers can
// render errors without knowing which path was taken.
//
// # Authentication
//
//	auth, err := git.SSHKeyFile("git", "/home/user/.ssh/id_ed25519", "")
//	auth := git.BasicAuth("username", "token")
//
// # Error Handling
//
// Errors are classified with platform error codes from the errors library.
// In addition to the generic codes, this package defines:
//
//   - CodeRefNotFound: a branch, tag, revision or object does not exist
//   - CodeNonFastForward: the remote rewrote history and forcing was off
//   - CodeSubmoduleFailed and CodeSubmoduleCycle for submodule handling
//
// ErrorChain flattens an error into one message per causal layer, which is
// the shape command-line output uses for its "Caused by:" sections.
//
// # Testing
//
// The testutil sub-package provides in-memory bare repositories and
// on-disk upstream repositories served over file:// URLs:
//
//	up := testutil.NewUpstream(t, filepath.Join(t.TempDir(), "bar"))
//	up.WriteFile("src/lib.rs", testutil.LibSource(1))
//	oid := up.Commit(testutil.TestInitialCommit)
package git
