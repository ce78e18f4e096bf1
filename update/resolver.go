package update

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/gitsource/git/cache"
	"github.com/jmgilman/go/gitsource/source"
)

// Graph is the result of resolving a project: every reachable package and
// the edges between them.
type Graph struct {
	Root  source.PackageID
	nodes map[source.PackageID]*Node
}

// Node is one package of a graph.
type Node struct {
	Package *source.Package
	Source  source.Source
	// Dependencies are sorted by lock string.
	Dependencies []source.PackageID
}

// Node returns the node of id.
func (g *Graph) Node(id source.PackageID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Packages returns every package id of the graph sorted by lock string.
func (g *Graph) Packages() []source.PackageID {
	ids := make([]source.PackageID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Describe returns the display form of id, including the short oid of git
// packages.
func (g *Graph) Describe(id source.PackageID) string {
	if n, ok := g.nodes[id]; ok {
		return n.Source.Describe(id)
	}
	return id.String()
}

// Lockfile returns the lockfile recording g.
func (g *Graph) Lockfile() *Lockfile {
	lock := &Lockfile{Version: lockfileVersion}
	for _, id := range g.Packages() {
		pkg := LockedPackage{Name: id.Name, Version: id.Version}
		if id.Source.Kind() != source.KindPath {
			pkg.Source = id.Source.String()
		}
		for _, dep := range g.nodes[id].Dependencies {
			pkg.Dependencies = append(pkg.Dependencies, dep.LockString())
		}
		lock.Packages = append(lock.Packages, pkg)
	}
	return lock
}

// Walk visits every package reachable from the root, dependencies before
// dependents.
func (g *Graph) Walk(fn func(id source.PackageID, n *Node) error) error {
	visited := make(map[source.PackageID]bool)
	var visit func(id source.PackageID) error
	visit = func(id source.PackageID) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		n := g.nodes[id]
		for _, dep := range n.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return fn(id, n)
	}
	return visit(g.Root)
}

func sortIDs(ids []source.PackageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].LockString() < ids[j].LockString() })
}

// resolver walks the dependency graph level by level. Sources needed by a
// level are updated concurrently.
type resolver struct {
	cache  *cache.Cache
	logger *slog.Logger
	jobs   int

	// pins maps source keys to locked oids. Keys missing from pins are
	// resolved from their reference.
	pins map[string]string

	mu      sync.Mutex
	sources map[string]source.Source
}

func newResolver(c *cache.Cache, logger *slog.Logger, jobs int, pins map[string]string) *resolver {
	if pins == nil {
		pins = make(map[string]string)
	}
	return &resolver{
		cache:   c,
		logger:  logger,
		jobs:    jobs,
		pins:    pins,
		sources: make(map[string]source.Source),
	}
}

// preload registers a source that has already been updated.
func (r *resolver) preload(src source.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.ID().Key()] = src
}

// edge is a dependency declared by an already resolved package.
type edge struct {
	from *Node
	dep  source.Dependency
	src  source.Source
	// at is the package directory of a path dependency inside a git
	// checkout.
	at string
}

// load is a source to update on behalf of the first dependency needing it.
type load struct {
	name string
	src  source.Source
}

func (r *resolver) resolve(ctx context.Context, root *source.PathSource) (*Graph, error) {
	if err := root.Update(ctx); err != nil {
		return nil, err
	}
	rootPkg := root.Packages()[0]

	g := &Graph{Root: rootPkg.ID, nodes: make(map[source.PackageID]*Node)}
	rootNode := &Node{Package: rootPkg, Source: root}
	g.nodes[rootPkg.ID] = rootNode
	r.preload(root)

	level := []*Node{rootNode}
	for len(level) > 0 {
		var (
			edges []edge
			loads []load
			seen  = make(map[string]bool)
		)

		for _, n := range level {
			for _, dep := range n.Package.Manifest.Dependencies {
				if dep.Dev && n != rootNode {
					continue
				}

				e, isNew, err := r.sourceFor(n, dep)
				if err != nil {
					return nil, loadError(dep.Name, err)
				}
				edges = append(edges, e)

				key := e.src.ID().Key()
				if isNew && !seen[key] {
					seen[key] = true
					loads = append(loads, load{name: dep.Name, src: e.src})
				}
			}
		}

		if err := r.update(ctx, loads); err != nil {
			return nil, err
		}

		var next []*Node
		for _, e := range edges {
			pkg, err := r.packageFor(e)
			if err != nil {
				return nil, loadError(e.dep.Name, err)
			}

			n, ok := g.nodes[pkg.ID]
			if !ok {
				n = &Node{Package: pkg, Source: e.src}
				g.nodes[pkg.ID] = n
				next = append(next, n)
			}
			if !containsID(e.from.Dependencies, pkg.ID) {
				e.from.Dependencies = append(e.from.Dependencies, pkg.ID)
			}
		}

		for _, n := range level {
			sortIDs(n.Dependencies)
		}
		level = next
	}

	return g, nil
}

// sourceFor returns the source serving dep. isNew reports whether the
// source was created by this call and still needs an update.
func (r *resolver) sourceFor(from *Node, dep source.Dependency) (edge, bool, error) {
	e := edge{from: from, dep: dep}

	switch dep.Kind() {
	case source.KindPath:
		dir := filepath.Join(from.Package.Root(), filepath.FromSlash(dep.Path))
		if repo, ok := from.Source.(*source.GitSource); ok {
			// Path dependencies inside a repository are served by the
			// repository's own checkout.
			e.src = repo
			e.at = dir
			return e, false, nil
		}

		id, err := source.NewPathSourceID(dir)
		if err != nil {
			return e, false, err
		}
		src, isNew, err := r.getOrCreate(id, func() (source.Source, error) {
			return source.NewPathSource(id, source.WithLogger(r.logger))
		})
		e.src = src
		return e, isNew, err

	case source.KindGit:
		id, err := source.NewGitSourceID(dep.Git, dep.Reference)
		if err != nil {
			return e, false, err
		}
		src, isNew, err := r.getOrCreate(id, func() (source.Source, error) {
			pinned := id.WithPrecise(r.pins[id.Key()])
			return source.NewGitSource(r.cache, pinned, source.WithLogger(r.logger))
		})
		e.src = src
		return e, isNew, err

	default:
		return e, false, platformerrors.Newf(platformerrors.CodeNotImplemented,
			"registry dependencies are not supported (`%s = \"%s\"`)", dep.Name, dep.Version)
	}
}

func (r *resolver) getOrCreate(id source.SourceID, create func() (source.Source, error)) (source.Source, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if src, ok := r.sources[id.Key()]; ok {
		return src, false, nil
	}
	src, err := create()
	if err != nil {
		return nil, false, err
	}
	r.sources[id.Key()] = src
	return src, true, nil
}

// update runs the loads with at most r.jobs in flight. When several fail,
// the error of the earliest declared dependency is returned.
func (r *resolver) update(ctx context.Context, loads []load) error {
	errs := make([]error, len(loads))

	var g errgroup.Group
	if r.jobs > 0 {
		g.SetLimit(r.jobs)
	}
	for i, l := range loads {
		g.Go(func() error {
			r.logger.Debug("updating source", "dependency", l.name, "source", l.src.ID().String())
			errs[i] = l.src.Update(ctx)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return loadError(loads[i].name, err)
		}
	}
	return nil
}

func (r *resolver) packageFor(e edge) (*source.Package, error) {
	if e.at != "" {
		return e.src.(*source.GitSource).PackageAt(e.at)
	}
	return e.src.Query(e.dep.Name)
}

// loadError attributes err to the dependency that triggered it, keeping
// err's code.
func loadError(name string, err error) error {
	code := platformerrors.GetCode(err)
	if code == platformerrors.CodeUnknown {
		code = platformerrors.CodeInternal
	}
	return platformerrors.Wrapf(err, code, "failed to load source for a dependency on `%s`", name)
}

func containsID(ids []source.PackageID, id source.PackageID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
