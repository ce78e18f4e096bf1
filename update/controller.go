package update

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing"
	platformerrors "github.com/jmgilman/go/errors"
	"lukechampine.com/blake3"

	"github.com/jmgilman/go/gitsource/git/cache"
	"github.com/jmgilman/go/gitsource/source"
)

// Controller decides when sources may touch the network.
//
//   - Fetch and Build honor the lockfile: a locked oid already present in
//     its database is used without any network access.
//   - Update re-resolves the selected packages' sources, or every source
//     when no package is selected.
//   - Update with Aggressive also re-resolves every dependency of the
//     selected packages.
//   - Update with Precise pins the selected sources to a revision, fetching
//     only when the revision is not known locally.
type Controller struct {
	dir      string
	lockPath string
	cache    *cache.Cache
	fs       billy.Filesystem
	shell    *Shell
	logger   *slog.Logger
	jobs     int
}

// Option configures a Controller.
type Option func(*Controller)

// WithShell sets the shell receiving progress output.
func WithShell(shell *Shell) Option {
	return func(c *Controller) {
		c.shell = shell
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithJobs limits how many sources are updated concurrently. Defaults to
// the number of CPUs.
func WithJobs(jobs int) Option {
	return func(c *Controller) {
		c.jobs = jobs
	}
}

// NewController returns a controller for the project whose Package.toml is
// in projectDir.
//
// Example:
//
//	shell := update.NewShell(os.Stderr, false)
//	c, _ := cache.New(home, cache.WithReporter(shell))
//	ctrl, _ := update.NewController(".", c, update.WithShell(shell))
//	_, err := ctrl.Update(ctx, update.UpdateOptions{Packages: []string{"dep1"}, Aggressive: true})
func NewController(projectDir string, c *cache.Cache, opts ...Option) (*Controller, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid project directory `%s`", projectDir)
	}

	ctrl := &Controller{
		dir:      dir,
		lockPath: filepath.Join(dir, LockfileName),
		cache:    c,
		fs:       osfs.New("/"),
		jobs:     runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	if ctrl.shell == nil {
		ctrl.shell = NewShell(io.Discard, false)
	}
	if ctrl.logger == nil {
		ctrl.logger = slog.New(slog.DiscardHandler)
	}

	return ctrl, nil
}

// Dir returns the absolute project directory.
func (c *Controller) Dir() string {
	return c.dir
}

// LockfilePath returns the path of the project's lockfile.
func (c *Controller) LockfilePath() string {
	return c.lockPath
}

func (c *Controller) resolve(ctx context.Context, pins map[string]string, preloaded ...source.Source) (*Graph, error) {
	id, err := source.NewPathSourceID(c.dir)
	if err != nil {
		return nil, err
	}
	root, err := source.NewPathSource(id, source.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}

	r := newResolver(c.cache, c.logger, c.jobs, pins)
	for _, src := range preloaded {
		r.preload(src)
	}

	g, err := r.resolve(ctx, root)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Flush(); err != nil {
		c.logger.Warn("failed to save cache index", "error", err)
	}
	return g, nil
}

func (c *Controller) writeLockfile(g *Graph) error {
	written, err := g.Lockfile().Save(c.fs, c.lockPath)
	if err != nil {
		return err
	}
	if written {
		c.logger.Debug("wrote lock file", "path", c.lockPath)
	}
	return nil
}

// Fetch resolves the project honoring the lockfile and makes every source
// available locally. Sources without a lock entry are resolved from their
// reference. The lockfile is rewritten if the resolve changed it.
func (c *Controller) Fetch(ctx context.Context) (*Graph, error) {
	lock, err := LoadLockfile(c.fs, c.lockPath)
	if err != nil {
		return nil, err
	}

	g, err := c.resolve(ctx, lock.Pins())
	if err != nil {
		return nil, err
	}
	return g, c.writeLockfile(g)
}

// GenerateLockfile resolves every source from its reference, ignoring any
// existing lockfile, and writes the result.
func (c *Controller) GenerateLockfile(ctx context.Context) (*Graph, error) {
	g, err := c.resolve(ctx, nil)
	if err != nil {
		return nil, err
	}
	return g, c.writeLockfile(g)
}

// UpdateOptions selects what Update re-resolves.
type UpdateOptions struct {
	// Packages are package ID specifications. Empty means every package.
	Packages []string
	// Aggressive also unlocks the dependencies of the selected packages.
	Aggressive bool
	// Precise pins the selected git packages to a revision.
	Precise string
}

// Update re-resolves part of the lockfile and reports what changed.
func (c *Controller) Update(ctx context.Context, opts UpdateOptions) (*Graph, error) {
	if opts.Precise != "" && len(opts.Packages) == 0 {
		return nil, platformerrors.New(platformerrors.CodeInvalidInput,
			"--precise requires a package to be selected with -p")
	}

	prev, err := LoadLockfile(c.fs, c.lockPath)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return c.GenerateLockfile(ctx)
	}

	pins := make(map[string]string)
	var preloaded []source.Source
	if len(opts.Packages) > 0 {
		pins = prev.Pins()

		selected, err := c.selectPackages(prev, opts.Packages)
		if err != nil {
			return nil, err
		}

		unlocked := make(map[string]source.SourceID)
		for _, pkg := range selected {
			if err := c.unlock(prev, pkg, opts.Aggressive, unlocked); err != nil {
				return nil, err
			}
		}
		for key := range unlocked {
			delete(pins, key)
		}

		if opts.Precise != "" {
			preloaded, err = c.loadPrecise(ctx, selected, opts.Precise)
			if err != nil {
				return nil, err
			}
		}
	}

	g, err := c.resolve(ctx, pins, preloaded...)
	if err != nil {
		return nil, err
	}

	c.reportChanges(prev, g)
	return g, c.writeLockfile(g)
}

func (c *Controller) selectPackages(lock *Lockfile, specs []string) ([]LockedPackage, error) {
	candidates := make([]source.PackageID, 0, len(lock.Packages))
	byID := make(map[source.PackageID][]LockedPackage)
	for _, pkg := range lock.Packages {
		sid, err := pkg.SourceID()
		if err != nil {
			return nil, err
		}
		id := source.PackageID{Name: pkg.Name, Version: pkg.Version, Source: sid}
		if _, ok := byID[id]; !ok {
			candidates = append(candidates, id)
		}
		byID[id] = append(byID[id], pkg)
	}

	var selected []LockedPackage
	for _, spec := range specs {
		ids, err := matchSpec(spec, candidates)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			selected = append(selected, byID[id]...)
		}
	}
	return selected, nil
}

// unlock records the git sources to re-resolve for pkg in unlocked. Path
// packages have no source to unlock; with aggressive set, the walk goes on
// through every dependency.
func (c *Controller) unlock(lock *Lockfile, pkg LockedPackage, aggressive bool, unlocked map[string]source.SourceID) error {
	visited := make(map[string]bool)
	queue := []LockedPackage{pkg}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next.LockString()] {
			continue
		}
		visited[next.LockString()] = true

		id, err := next.SourceID()
		if err != nil {
			return err
		}
		if id.IsGit() {
			unlocked[id.Key()] = id
		}

		if !aggressive {
			continue
		}
		for _, dep := range next.Dependencies {
			if locked, ok := lock.find(dep); ok {
				queue = append(queue, locked)
			}
		}
	}
	return nil
}

// loadPrecise updates the selected git sources pinned to precise before
// the resolve starts, so their failures are reported on their own.
func (c *Controller) loadPrecise(ctx context.Context, selected []LockedPackage, precise string) ([]source.Source, error) {
	var sources []source.Source
	seen := make(map[string]bool)

	for _, pkg := range selected {
		id, err := pkg.SourceID()
		if err != nil {
			return nil, err
		}
		if !id.IsGit() || seen[id.Key()] {
			continue
		}
		seen[id.Key()] = true

		src, err := source.NewGitSource(c.cache, id.WithPrecise(precise), source.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		if err := src.Update(ctx); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// reportChanges prints one line per package that was updated, added or
// removed relative to prev.
func (c *Controller) reportChanges(prev *Lockfile, g *Graph) {
	type entry struct {
		pkg LockedPackage
		id  source.SourceID
	}

	previous := make(map[string]entry)
	for _, pkg := range prev.Packages {
		id, err := pkg.SourceID()
		if err != nil {
			continue
		}
		previous[changeKey(pkg.Name, id)] = entry{pkg: pkg, id: id}
	}

	for _, id := range g.Packages() {
		key := changeKey(id.Name, id.Source)
		old, ok := previous[key]
		if !ok {
			c.shell.Status("Adding", g.Describe(id))
			continue
		}
		delete(previous, key)

		switch {
		case id.Source.IsGit() && old.id.Precise() != id.Source.Precise():
			c.shell.Status("Updating", fmt.Sprintf("%s v%s (%s) -> #%s",
				id.Name, old.pkg.Version, id.Source.URL(), c.shortID(g, id)))
		case old.pkg.Version != id.Version:
			c.shell.Status("Updating", fmt.Sprintf("%s v%s -> v%s", id.Name, old.pkg.Version, id.Version))
		}
	}

	removed := make([]string, 0, len(previous))
	for _, old := range previous {
		if old.id.IsGit() {
			removed = append(removed, fmt.Sprintf("%s v%s (%s)", old.pkg.Name, old.pkg.Version, old.id.URL()))
		} else {
			removed = append(removed, fmt.Sprintf("%s v%s", old.pkg.Name, old.pkg.Version))
		}
	}
	sort.Strings(removed)
	for _, line := range removed {
		c.shell.Status("Removing", line)
	}
}

// changeKey identifies a package across resolves. Path packages are
// identified by name only, as the lockfile does not record their location.
func changeKey(name string, id source.SourceID) string {
	if id.Kind() == source.KindPath {
		return name
	}
	return name + " " + id.Key()
}

func (c *Controller) shortID(g *Graph, id source.PackageID) string {
	if n, ok := g.Node(id); ok {
		if repo, ok := n.Source.(*source.GitSource); ok {
			if short, err := repo.Database().ShortID(plumbing.NewHash(id.Source.Precise())); err == nil {
				return short
			}
		}
	}
	return id.Source.Precise()
}

// Unit is the build state of one package.
type Unit struct {
	ID source.PackageID
	// Root is the directory the package is built from. For git packages
	// this is inside the checkout, never the upstream clone.
	Root        string
	Fingerprint string
	// Fresh is set when the package was up to date.
	Fresh bool
}

// Build fetches the project and brings every package up to date,
// dependencies first. A package is rebuilt when its own fingerprint or the
// fingerprint of any dependency changed since the last build. Rebuilt
// packages are reported as
//
//	[COMPILING] dep v0.5.0 (https://github.com/org/dep#1a2b3c4)
func (c *Controller) Build(ctx context.Context) ([]Unit, error) {
	g, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	fingerprintDir := filepath.Join(c.dir, "target", ".fingerprint")
	composite := make(map[source.PackageID]string)

	var units []Unit
	err = g.Walk(func(id source.PackageID, n *Node) error {
		own, err := n.Source.Fingerprint(n.Package)
		if err != nil {
			return err
		}

		h := blake3.New(32, nil)
		_, _ = io.WriteString(h, own)
		for _, dep := range n.Dependencies {
			_, _ = io.WriteString(h, "\x00"+composite[dep])
		}
		fp := hex.EncodeToString(h.Sum(nil))
		composite[id] = fp

		path := filepath.Join(fingerprintDir, unitName(id))
		previous, err := util.ReadFile(c.fs, path)
		fresh := err == nil && string(previous) == fp
		if !fresh {
			c.shell.Status("Compiling", g.Describe(id))
			if err := util.WriteFile(c.fs, path, []byte(fp), 0o644); err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeBuildFailed, "failed to record fingerprint of `%s`", id.Name)
			}
		}

		units = append(units, Unit{ID: id, Root: n.Package.Root(), Fingerprint: fp, Fresh: fresh})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return units, nil
}

// unitName names the fingerprint file of a package. It is independent of
// the resolved oid so a new oid replaces the previous record.
func unitName(id source.PackageID) string {
	sum := blake3.Sum256([]byte(id.Name + " " + id.Version + " " + id.Source.Key()))
	return id.Name + "-" + hex.EncodeToString(sum[:8])
}

// Metadata describes a resolved project.
type Metadata struct {
	Root     string            `json:"root"`
	Packages []PackageMetadata `json:"packages"`
}

// PackageMetadata describes one resolved package.
type PackageMetadata struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Source       string   `json:"source,omitempty"`
	ManifestPath string   `json:"manifest_path"`
	Dependencies []string `json:"dependencies"`
}

// Metadata fetches the project and describes the resolve.
func (c *Controller) Metadata(ctx context.Context) (*Metadata, error) {
	g, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{Root: g.Root.LockString()}
	for _, id := range g.Packages() {
		n, _ := g.Node(id)
		pkg := PackageMetadata{
			ID:           id.LockString(),
			Name:         id.Name,
			Version:      id.Version,
			ManifestPath: n.Package.ManifestPath,
			Dependencies: []string{},
		}
		if id.Source.Kind() != source.KindPath {
			pkg.Source = id.Source.String()
		}
		for _, dep := range n.Dependencies {
			pkg.Dependencies = append(pkg.Dependencies, dep.LockString())
		}
		meta.Packages = append(meta.Packages, pkg)
	}
	return meta, nil
}
