package update

import (
	"fmt"
	"io"
	"strings"
	"sync"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/gitsource/git"
)

// Exit codes of the command line tool.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitFailure = 101
)

// Shell writes user-facing progress lines and errors. It implements
// cache.Reporter, so fetch progress and controller output share one stream.
//
// Lines have the form
//
//	[UPDATING] git repository `https://github.com/org/dep`
//	[UPDATING] dep v0.5.0 (https://github.com/org/dep) -> #1a2b3c4
type Shell struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewShell returns a shell writing to w. A verbose shell also prints the
// external commands it runs.
func NewShell(w io.Writer, verbose bool) *Shell {
	return &Shell{w: w, verbose: verbose}
}

// Status prints `[STATUS] message`.
func (s *Shell) Status(status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%s] %s\n", strings.ToUpper(status), message)
}

// Running reports an external command in verbose mode.
func (s *Shell) Running(cmdline string) {
	if s.verbose {
		s.Status("Running", "`"+cmdline+"`")
	}
}

// Error prints err with one `Caused by:` entry per underlying cause:
//
//	[ERROR] failed to load source for a dependency on `dep1`
//
//	Caused by:
//	  Unable to update https://github.com/org/dep1
//
//	Caused by:
//	  revspec '0.1.2' not found
func (s *Shell) Error(err error) {
	chain := git.ErrorChain(err)
	if len(chain) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("[ERROR] " + chain[0] + "\n")
	for _, cause := range chain[1:] {
		b.WriteString("\nCaused by:\n")
		for _, line := range strings.Split(cause, "\n") {
			b.WriteString("  " + line + "\n")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, b.String()) //nolint:errcheck // best effort output
}

// ExitCode classifies err: usage errors exit with 1, every other failure
// with 101.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch platformerrors.GetCode(err) {
	case CodeAmbiguousSpec, CodeSpecNotFound, platformerrors.CodeInvalidInput:
		return ExitUsage
	default:
		return ExitFailure
	}
}
