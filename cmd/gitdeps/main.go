// Command gitdeps resolves, fetches and locks the git dependencies of a
// package.
//
// Usage:
//
//	gitdeps fetch
//	gitdeps build
//	gitdeps update [-p SPEC]... [--aggressive] [--precise REV]
//	gitdeps generate-lockfile
//	gitdeps metadata
//	gitdeps cache stats|prune|clear
//
// Failures print an error chain and exit 101; usage errors exit 1.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns its exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	a := &app{stdout: stdout, stderr: stderr, lookup: lookup}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if cmd == nil {
		cmd = root
	}
	return a.exit(cmd, err)
}
