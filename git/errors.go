package git

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	platformerrors "github.com/jmgilman/go/errors"
)

// Error codes for failures specific to git-backed dependency sources.
// Network failures use platformerrors.CodeNetwork.
const (
	// CodeRefNotFound marks a branch, tag or revision that could not be
	// resolved, even after fetching.
	CodeRefNotFound platformerrors.ErrorCode = "REF_NOT_FOUND"

	// CodeNonFastForward marks a fetch rejected because the remote history
	// was rewritten and forcing was not enabled.
	CodeNonFastForward platformerrors.ErrorCode = "NON_FAST_FORWARD_REJECTED"

	// CodeSubmoduleFailed marks a submodule that could not be materialized.
	CodeSubmoduleFailed platformerrors.ErrorCode = "SUBMODULE_FAILED"

	// CodeSubmoduleCycle marks a submodule that (transitively) contains itself.
	CodeSubmoduleCycle platformerrors.ErrorCode = "SUBMODULE_CYCLE"
)

// wrapError wraps an error with context, classifying it as a platform error type.
// It preserves the original error chain for errors.Is/errors.As compatibility.
// If err is nil, returns nil.
func wrapError(err error, context string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", context, classifyError(err))
}

// classifyError maps go-git errors to platform error types. Known errors are
// replaced by a platform error with a fixed message so that the embedded and
// external fetch paths report identical text. Unknown errors are passed
// through unchanged to preserve their original information.
//
//nolint:gocyclo,cyclop // each case is a simple mapping
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var platformErr platformerrors.PlatformError
	if errors.As(err, &platformErr) {
		return err
	}

	// Repository not found errors → ErrNotFound
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return platformerrors.New(platformerrors.CodeNotFound, "repository does not exist")
	}
	if errors.Is(err, transport.ErrRepositoryNotFound) {
		return platformerrors.New(platformerrors.CodeNotFound, "repository not found")
	}
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return platformerrors.New(platformerrors.CodeNotFound, "remote repository is empty")
	}

	// Missing refs and objects → RefNotFound
	var noMatch gogit.NoMatchingRefSpecError
	if errors.As(err, &noMatch) {
		return platformerrors.New(CodeRefNotFound, "remote ref not found")
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return platformerrors.New(CodeRefNotFound, "reference not found")
	}
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return platformerrors.New(CodeRefNotFound, "object not found")
	}

	if errors.Is(err, gogit.ErrForceNeeded) {
		return platformerrors.New(CodeNonFastForward, "non-fast-forward update rejected")
	}

	if errors.Is(err, gogit.ErrRepositoryAlreadyExists) {
		return platformerrors.New(platformerrors.CodeAlreadyExists, "repository already exists")
	}
	if errors.Is(err, gogit.ErrRemoteNotFound) {
		return platformerrors.New(platformerrors.CodeNotFound, "remote not found")
	}
	if errors.Is(err, gogit.ErrRemoteExists) {
		return platformerrors.New(platformerrors.CodeAlreadyExists, "remote already exists")
	}

	// Authentication/Authorization errors → ErrUnauthorized
	if errors.Is(err, transport.ErrAuthenticationRequired) {
		return platformerrors.New(platformerrors.CodeUnauthorized, "authentication required")
	}
	if errors.Is(err, transport.ErrAuthorizationFailed) {
		return platformerrors.New(platformerrors.CodeUnauthorized, "authorization failed")
	}

	if errors.Is(err, gogit.ErrMissingURL) {
		return platformerrors.New(platformerrors.CodeInvalidInput, "URL is required")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return platformerrors.Wrap(err, platformerrors.CodeTimeout, "operation timed out")
	}

	// Transport level failures → ErrNetwork
	var opErr *net.OpError
	var urlErr *url.Error
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) || errors.As(err, &dnsErr) {
		return platformerrors.Wrap(err, platformerrors.CodeNetwork, "failed to connect to remote")
	}

	return err
}

// ErrorChain returns one message per causal layer of err, outermost first.
// Platform errors contribute their own message; other wrapping errors
// contribute their text with the wrapped error's text removed.
//
// Example:
//
//	for i, msg := range git.ErrorChain(err) {
//	    if i > 0 {
//	        fmt.Println("Caused by:")
//	    }
//	    fmt.Println("  " + msg)
//	}
func ErrorChain(err error) []string {
	var chain []string
	for err != nil {
		next := errors.Unwrap(err)

		var msg string
		if pe, ok := err.(platformerrors.PlatformError); ok {
			msg = pe.Message()
		} else {
			msg = err.Error()
			if next != nil {
				msg = strings.TrimSuffix(msg, ": "+next.Error())
			}
		}

		if msg != "" && (len(chain) == 0 || chain[len(chain)-1] != msg) {
			chain = append(chain, msg)
		}
		err = next
	}

	return chain
}
