package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"

	"github.com/jmgilman/go/gitsource/git/cache"
	"github.com/jmgilman/go/gitsource/update"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the git cache",
		Long: `The cache never deletes anything on its own. These commands are the only
way databases and checkouts are removed.`,
	}
	cmd.AddCommand(newCacheStatsCmd(a), newCachePruneCmd(a), newCacheClearCmd(a))
	return cmd
}

func newCacheStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, err := a.openCache("")
			if err != nil {
				return err
			}
			stats, err := c.Stats()
			if err != nil {
				return err
			}

			w := a.stdout
			fmt.Fprintf(w, "root:       %s\n", c.Root())
			fmt.Fprintf(w, "databases:  %d (%s)\n", stats.Databases, humanize.Bytes(uint64(stats.DatabaseSize)))
			fmt.Fprintf(w, "checkouts:  %d (%s)\n", stats.Checkouts, humanize.Bytes(uint64(stats.CheckoutsSize)))
			fmt.Fprintf(w, "total:      %s\n", humanize.Bytes(uint64(stats.TotalSize)))
			if stats.OldestCheckout != nil {
				fmt.Fprintf(w, "oldest:     %s\n", humanize.Time(*stats.OldestCheckout))
			}
			if stats.NewestCheckout != nil {
				fmt.Fprintf(w, "newest:     %s\n", humanize.Time(*stats.NewestCheckout))
			}
			return nil
		},
	}
}

func newCachePruneCmd(a *app) *cobra.Command {
	var (
		all        bool
		olderThan  time.Duration
		maxSize    string
		keepLocked bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove checkouts",
		Example: `  gitdeps cache prune --older-than 720h
  gitdeps cache prune --max-size 10GB --keep-locked
  gitdeps cache prune --all --keep-locked`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var strategies []cache.PruneStrategy
			if all {
				strategies = append(strategies, cache.PruneAll())
			}
			if olderThan > 0 {
				strategies = append(strategies, cache.PruneOlderThan(olderThan))
			}
			if maxSize != "" {
				bytes, err := humanize.ParseBytes(maxSize)
				if err != nil {
					return platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid size `%s`", maxSize)
				}
				strategies = append(strategies, cache.PruneToSize(int64(bytes)))
			}
			if len(strategies) == 0 {
				return platformerrors.New(platformerrors.CodeInvalidInput,
					"nothing to prune: pass --all, --older-than or --max-size")
			}

			dir := ""
			if keepLocked {
				var err error
				if dir, err = a.projectDir(); err != nil {
					return platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "could not determine the project directory")
				}
			}

			_, c, err := a.openCache(dir)
			if err != nil {
				return err
			}

			if keepLocked {
				keep, err := lockedOids(dir)
				if err != nil {
					return err
				}
				for i, s := range strategies {
					strategies[i] = cache.Except(s, func(m *cache.CheckoutMetadata) bool { return keep[m.Oid] })
				}
			}

			removed, err := c.Prune(strategies...)
			if err != nil {
				return err
			}
			for _, m := range removed {
				a.shell.Status("Removed", fmt.Sprintf("%s#%s", m.URL, m.Oid))
			}
			a.shell.Status("Pruned", fmt.Sprintf("%d checkouts", len(removed)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "remove every checkout")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "remove checkouts not used within this duration")
	cmd.Flags().StringVar(&maxSize, "max-size", "", "remove least recently used checkouts until under this size (e.g. 10GB)")
	cmd.Flags().BoolVar(&keepLocked, "keep-locked", false, "never remove checkouts pinned by the project's Package.lock")
	return cmd
}

// lockedOids returns the oids pinned by the lockfile in dir.
func lockedOids(dir string) (map[string]bool, error) {
	lock, err := update.LoadLockfile(osfs.New("/"), filepath.Join(dir, update.LockfileName))
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	for _, oid := range lock.Pins() {
		keep[oid] = true
	}
	return keep, nil
}

func newCacheClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [url]",
		Short: "Remove the database and checkouts of a repository, or of all repositories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, err := a.openCache("")
			if err != nil {
				return err
			}

			if len(args) == 0 {
				if err := c.ClearAll(); err != nil {
					return err
				}
				a.shell.Status("Removed", "all cached repositories")
				return nil
			}

			if err := c.Clear(args[0]); err != nil {
				return err
			}
			a.shell.Status("Removed", fmt.Sprintf("git repository `%s`", args[0]))
			return nil
		},
	}
}
