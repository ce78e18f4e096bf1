// Package update resolves a project's dependency graph and decides when git
// sources may reach the network.
//
// A Controller loads the project's Package.lock, turns its entries into pins
// and walks the graph from the root manifest. A pinned git source whose oid is
// already in the local database is used as is; everything else is resolved
// from its reference and fetched. The resulting Graph is written back as the
// new lockfile.
//
//	shell := update.NewShell(os.Stderr, false)
//	c, _ := cache.New(home, cache.WithReporter(shell))
//	ctrl, _ := update.NewController(".", c, update.WithShell(shell))
//
//	// Honors the lockfile. A second run is silent and performs no fetch.
//	units, err := ctrl.Build(ctx)
//
//	// Re-resolves bar's source only.
//	_, err = ctrl.Update(ctx, update.UpdateOptions{Packages: []string{"bar"}})
//
// Progress is printed through a Shell in a fixed format so that messages
// and error chains stay identical whichever fetch implementation is used:
//
//	[UPDATING] git repository `https://github.com/org/bar`
//	[UPDATING] bar v0.5.0 (https://github.com/org/bar) -> #1a2b3c4
//	[ERROR] failed to load source for a dependency on `bar`
//
//	Caused by:
//	  Unable to update https://github.com/org/bar
package update
