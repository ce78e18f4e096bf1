package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"

	"github.com/jmgilman/go/gitsource/config"
	"github.com/jmgilman/go/gitsource/git/cache"
	"github.com/jmgilman/go/gitsource/source"
	"github.com/jmgilman/go/gitsource/update"
)

// app holds the state shared by the commands of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	lookup func(string) (string, bool)

	manifestPath string
	verbose      bool
	offline      bool
	debug        bool

	// ran is set once a command's own logic starts; errors before that are
	// usage errors reported by cobra.
	ran   bool
	shell *update.Shell
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gitdeps",
		Short:         "Resolve and lock git dependencies",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.ran = true
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.manifestPath, "manifest-path", "", "path to Package.toml (defaults to the current directory)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "print the git commands being run")
	flags.BoolVar(&a.offline, "offline", false, "fail instead of accessing the network")
	flags.BoolVar(&a.debug, "debug", false, "write debug logs to stderr")

	root.AddCommand(
		newFetchCmd(a),
		newBuildCmd(a),
		newUpdateCmd(a),
		newGenerateLockfileCmd(a),
		newMetadataCmd(a),
		newCacheCmd(a),
	)
	return root
}

// projectDir returns the directory of the project selected by
// --manifest-path.
func (a *app) projectDir() (string, error) {
	if a.manifestPath == "" {
		return os.Getwd()
	}
	if filepath.Base(a.manifestPath) == source.ManifestName {
		return filepath.Abs(filepath.Dir(a.manifestPath))
	}
	return filepath.Abs(a.manifestPath)
}

func (a *app) logger() *slog.Logger {
	if !a.debug {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openCache loads the configuration for dir and opens the cache it names.
// dir may be empty when no project is involved.
func (a *app) openCache(dir string) (*config.Config, *cache.Cache, error) {
	cfg, err := config.Load(dir, config.WithEnv(a.lookup))
	if err != nil {
		return nil, nil, err
	}
	if a.offline {
		cfg.Net.Offline = true
	}

	a.shell = update.NewShell(a.stderr, a.verbose)
	opts, err := cfg.CacheOptions(a.shell.Running)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, cache.WithReporter(a.shell), cache.WithLogger(a.logger()))

	c, err := cache.New(cfg.Home, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cfg, c, nil
}

func (a *app) controller() (*update.Controller, error) {
	dir, err := a.projectDir()
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "could not determine the project directory")
	}

	cfg, c, err := a.openCache(dir)
	if err != nil {
		return nil, err
	}
	return update.NewController(dir, c,
		update.WithShell(a.shell),
		update.WithLogger(a.logger()),
		update.WithJobs(cfg.Net.Jobs),
	)
}

// exit reports err and returns the process exit code.
func (a *app) exit(cmd *cobra.Command, err error) int {
	if err == nil {
		return update.ExitOK
	}
	if !a.ran {
		fmt.Fprintf(a.stderr, "[ERROR] %v\n\n%s", err, cmd.UsageString())
		return update.ExitUsage
	}

	shell := a.shell
	if shell == nil {
		shell = update.NewShell(a.stderr, a.verbose)
	}
	shell.Error(err)
	return update.ExitCode(err)
}
