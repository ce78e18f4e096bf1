package git

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"strings"

	"github.com/jmgilman/go/exec"
	platformerrors "github.com/jmgilman/go/errors"
)

// CLIOption configures the git CLI RemoteOperations implementation.
type CLIOption func(*cliRemoteOps)

// WithExecutor sets the executor used to run git. Mostly useful in tests.
func WithExecutor(executor exec.Executor) CLIOption {
	return func(c *cliRemoteOps) {
		c.executor = executor
	}
}

// WithCommandObserver registers a callback invoked with the full command line
// before each git invocation.
func WithCommandObserver(fn func(cmdline string)) CLIOption {
	return func(c *cliRemoteOps) {
		c.observe = fn
	}
}

// cliRemoteOps implements RemoteOperations by running `git fetch`. Unlike the
// embedded implementation it always forces ref updates, which makes it
// usable against remotes whose history was rewritten.
type cliRemoteOps struct {
	executor exec.Executor
	observe  func(cmdline string)
}

// NewCLIRemoteOperations returns a RemoteOperations that shells out to the
// git executable found in PATH. Authentication is left to git's own
// credential helpers and ssh configuration.
//
// Example:
//
//	ops := git.NewCLIRemoteOperations(git.WithCommandObserver(func(cmd string) {
//	    fmt.Printf("[RUNNING] `%s`\n", cmd)
//	}))
func NewCLIRemoteOperations(opts ...CLIOption) RemoteOperations {
	c := &cliRemoteOps{}
	for _, opt := range opts {
		opt(c)
	}
	if c.executor == nil {
		c.executor = exec.New(exec.WithInheritEnv())
	}
	return c
}

// Fetch implements RemoteOperations.Fetch with `git fetch --force`.
func (c *cliRemoteOps) Fetch(ctx context.Context, repo *Repository, opts FetchOptions) error {
	if isMemoryFilesystem(repo.fs) {
		return wrapError(
			fmt.Errorf("git CLI fetch not supported with memory filesystem"),
			"memory filesystem detected",
		)
	}

	url, err := repo.RemoteURL(remoteName(opts))
	if err != nil {
		return err
	}

	args := []string{"fetch", "--no-tags", "--force", url}
	for _, spec := range opts.RefSpecs {
		if !strings.HasPrefix(spec, "+") {
			spec = "+" + spec
		}
		args = append(args, spec)
	}

	if c.observe != nil {
		c.observe("git " + strings.Join(args, " "))
	}

	git := exec.NewWrapper(c.executor.Clone(), "git")
	_, err = git.WithDir(repo.path).
		WithEnv(map[string]string{"GIT_TERMINAL_PROMPT": "0"}).
		WithContext(ctx).
		Run(args...)
	if err != nil {
		return mapFetchExecError(err, "failed to fetch from remote")
	}

	return nil
}

// mapFetchExecError converts exec.ExecError to the same platform errors the
// embedded fetch produces. It examines the stderr output from git.
func mapFetchExecError(err error, context string) error {
	var execErr *exec.ExecError
	if !errors.As(err, &execErr) {
		return wrapError(err, context)
	}

	if errors.Is(execErr.Err, osexec.ErrNotFound) {
		return wrapError(platformerrors.Wrap(execErr, platformerrors.CodeExecutionFailed, "git executable not found"), context)
	}

	stderr := execErr.Stderr
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "couldn't find remote ref"):
		return wrapError(platformerrors.New(CodeRefNotFound, "remote ref not found"), context)
	case strings.Contains(lower, "[rejected]") || strings.Contains(lower, "non-fast-forward"):
		return wrapError(platformerrors.New(CodeNonFastForward, "non-fast-forward update rejected"), context)
	case strings.Contains(lower, "authentication failed") || strings.Contains(lower, "could not read username"):
		return wrapError(platformerrors.New(platformerrors.CodeUnauthorized, "authentication required"), context)
	case strings.Contains(lower, "does not appear to be a git repository") || strings.Contains(lower, "repository not found"):
		return wrapError(platformerrors.New(platformerrors.CodeNotFound, "repository not found"), context)
	case strings.Contains(lower, "could not resolve host") ||
		strings.Contains(lower, "unable to access") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "could not read from remote repository"):
		return wrapError(platformerrors.Wrap(
			fmt.Errorf("%s", strings.TrimSpace(stderr)),
			platformerrors.CodeNetwork,
			"failed to connect to remote",
		), context)
	}

	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = execErr.Error()
	}
	return wrapError(platformerrors.Wrap(
		fmt.Errorf("%s", detail),
		platformerrors.CodeExecutionFailed,
		"git fetch failed",
	), context)
}
