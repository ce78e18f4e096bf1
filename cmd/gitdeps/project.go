package main

import (
	"encoding/json"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"

	"github.com/jmgilman/go/gitsource/update"
)

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download every locked git dependency",
		Long: `Resolves the project honoring Package.lock and makes every git source
available in the cache. Sources already present locally are not fetched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			_, err = ctrl.Fetch(cmd.Context())
			return err
		},
	}
}

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Bring every package up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			_, err = ctrl.Build(cmd.Context())
			return err
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	var opts update.UpdateOptions

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update dependencies as recorded in Package.lock",
		Long: `Without -p every source is re-resolved. With -p only the sources of the
selected packages are; --aggressive extends this to all of their
dependencies and --precise pins the selected git packages to a revision.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			_, err = ctrl.Update(cmd.Context(), opts)
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Packages, "package", "p", nil, "package to update (name, name:version or url#name)")
	cmd.Flags().BoolVar(&opts.Aggressive, "aggressive", false, "also update the dependencies of the selected packages")
	cmd.Flags().StringVar(&opts.Precise, "precise", "", "revision to pin the selected git packages to")
	return cmd
}

func newGenerateLockfileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-lockfile",
		Short: "Resolve every source anew and write Package.lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			_, err = ctrl.GenerateLockfile(cmd.Context())
			return err
		},
	}
}

func newMetadataCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata",
		Short: "Print the resolved dependency graph as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			meta, err := ctrl.Metadata(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(meta); err != nil {
				return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to write metadata")
			}
			return nil
		},
	}
}
