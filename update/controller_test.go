package update

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/gitsource/git"
	"github.com/jmgilman/go/gitsource/git/cache"
	"github.com/jmgilman/go/gitsource/git/testutil"
	"github.com/jmgilman/go/gitsource/source"
)

// countingOps counts fetches made through the embedded implementation.
type countingOps struct {
	inner git.RemoteOperations

	mu    sync.Mutex
	calls int
}

func (c *countingOps) Fetch(ctx context.Context, repo *git.Repository, opts git.FetchOptions) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Fetch(ctx, repo, opts)
}

func (c *countingOps) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// project is a package on disk plus the state of one tool invocation.
type project struct {
	t    *testing.T
	dir  string
	home string

	out bytes.Buffer
	ops *countingOps
}

func newProject(t *testing.T, manifest string) *project {
	t.Helper()

	p := &project{t: t, dir: filepath.Join(t.TempDir(), "foo"), home: t.TempDir()}
	p.write(source.ManifestName, manifest)
	return p
}

func (p *project) write(rel, content string) {
	p.t.Helper()
	path := filepath.Join(p.dir, filepath.FromSlash(rel))
	require.NoError(p.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(p.t, os.WriteFile(path, []byte(content), 0o644))
}

func (p *project) lockfile() string {
	p.t.Helper()
	data, err := os.ReadFile(filepath.Join(p.dir, LockfileName))
	require.NoError(p.t, err)
	return string(data)
}

// controller starts a new invocation with a fresh cache handle and output.
func (p *project) controller() *Controller {
	p.t.Helper()

	p.out.Reset()
	shell := NewShell(&p.out, false)
	p.ops = &countingOps{inner: git.NewRemoteOperations()}

	c, err := cache.New(p.home, cache.WithRemoteOperations(p.ops), cache.WithReporter(shell))
	require.NoError(p.t, err)

	ctrl, err := NewController(p.dir, c, WithShell(shell), WithJobs(1))
	require.NoError(p.t, err)
	return ctrl
}

// cliController starts an invocation fetching with the git executable and
// printing the commands it runs.
func (p *project) cliController() *Controller {
	p.t.Helper()

	p.out.Reset()
	shell := NewShell(&p.out, true)
	ops := git.NewCLIRemoteOperations(git.WithCommandObserver(shell.Running))

	c, err := cache.New(p.home, cache.WithRemoteOperations(ops), cache.WithReporter(shell))
	require.NoError(p.t, err)

	ctrl, err := NewController(p.dir, c, WithShell(shell))
	require.NoError(p.t, err)
	return ctrl
}

// short returns the abbreviated oid the tool displays for oid.
func (p *project) short(url string, oid plumbing.Hash) string {
	p.t.Helper()

	c, err := cache.New(p.home)
	require.NoError(p.t, err)
	db, err := c.Database(url)
	require.NoError(p.t, err)
	short, err := db.ShortID(oid)
	require.NoError(p.t, err)
	return short
}

func newUpstream(t *testing.T, name string) *testutil.Upstream {
	t.Helper()

	up := testutil.NewUpstream(t, filepath.Join(t.TempDir(), name))
	up.WriteFile(testutil.ManifestName, testutil.Manifest(name, "0.5.0"))
	up.WriteFile("src/lib.rs", testutil.LibSource(1))
	up.Commit(testutil.TestInitialCommit)
	return up
}

// gitDep renders a git dependency line; extra is appended inside the table.
func gitDep(name, url, extra string) string {
	if extra != "" {
		extra = ", " + extra
	}
	return fmt.Sprintf("%s = { git = %q%s }", name, url, extra)
}

func updating(url string) string {
	return "[UPDATING] git repository `" + url + "`\n"
}

func TestController_FetchTwiceIsSilent(t *testing.T) {
	testutil.RequireGit(t)

	bar := newUpstream(t, "bar")
	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("bar", bar.URL(), `branch = "master"`)))
	ctx := context.Background()

	g, err := p.controller().Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, updating(bar.URL()), p.out.String())
	assert.Equal(t, 1, p.ops.count())
	assert.Len(t, g.Packages(), 2)

	lock := p.lockfile()
	assert.Contains(t, lock, "git+"+bar.URL()+"?branch=master#"+bar.Head().String())

	_, err = p.controller().Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.out.String())
	assert.Zero(t, p.ops.count())
	assert.Equal(t, lock, p.lockfile())
}

func TestController_UpdateWithSharedDeps(t *testing.T) {
	testutil.RequireGit(t)

	bar := newUpstream(t, "bar")
	oldHead := bar.Head()
	p := newProject(t, testutil.Manifest("foo", "0.5.0", `dep1 = { path = "dep1" }`, `dep2 = { path = "dep2" }`))
	p.write("dep1/"+source.ManifestName, testutil.Manifest("dep1", "0.5.0", gitDep("bar", bar.URL(), "")))
	p.write("dep2/"+source.ManifestName, testutil.Manifest("dep2", "0.5.0", gitDep("bar", bar.URL(), "")))
	ctx := context.Background()

	_, err := p.controller().Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, updating(bar.URL())+
		"[COMPILING] bar v0.5.0 ("+bar.URL()+"#"+p.short(bar.URL(), oldHead)+")\n"+
		"[COMPILING] dep1 v0.5.0 ("+filepath.Join(p.dir, "dep1")+")\n"+
		"[COMPILING] dep2 v0.5.0 ("+filepath.Join(p.dir, "dep2")+")\n"+
		"[COMPILING] foo v0.5.0 ("+p.dir+")\n", p.out.String())

	bar.WriteFile("src/lib.rs", testutil.LibSource(2))
	newHead := bar.Commit(testutil.TestFeatureCommit)
	locked := p.lockfile()

	t.Run("by default updates are not transitive", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"dep1"}})
		require.NoError(t, err)
		assert.Empty(t, p.out.String())
		assert.Zero(t, p.ops.count())
		assert.Equal(t, locked, p.lockfile())
	})

	t.Run("bad precise revision", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar"}, Precise: "0.1.2"})
		require.Error(t, err)
		assert.Equal(t, updating(bar.URL()), p.out.String())
		assert.Equal(t, ExitFailure, ExitCode(err))
		assert.Equal(t, []string{
			"Unable to update " + bar.URL(),
			"revspec '0.1.2' not found",
		}, git.ErrorChain(err))
		assert.Equal(t, locked, p.lockfile())
	})

	t.Run("precise revision already known", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar"}, Precise: oldHead.String()})
		require.NoError(t, err)
		assert.Empty(t, p.out.String())
		assert.Zero(t, p.ops.count())
		assert.Equal(t, locked, p.lockfile())
	})

	t.Run("aggressive update is transitive", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"dep1"}, Aggressive: true})
		require.NoError(t, err)
		assert.Equal(t, updating(bar.URL())+
			"[UPDATING] bar v0.5.0 ("+bar.URL()+") -> #"+p.short(bar.URL(), newHead)+"\n", p.out.String())
		assert.Contains(t, p.lockfile(), newHead.String())
		assert.NotContains(t, p.lockfile(), oldHead.String())
	})

	t.Run("one version of the repository is built", func(t *testing.T) {
		units, err := p.controller().Build(ctx)
		require.NoError(t, err)
		assert.Equal(t,
			"[COMPILING] bar v0.5.0 ("+bar.URL()+"#"+p.short(bar.URL(), newHead)+")\n"+
				"[COMPILING] dep1 v0.5.0 ("+filepath.Join(p.dir, "dep1")+")\n"+
				"[COMPILING] dep2 v0.5.0 ("+filepath.Join(p.dir, "dep2")+")\n"+
				"[COMPILING] foo v0.5.0 ("+p.dir+")\n", p.out.String())
		assert.Len(t, units, 4)
	})

	t.Run("direct update of the git package", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar"}})
		require.NoError(t, err)
		assert.Equal(t, updating(bar.URL()), p.out.String())
	})
}

func TestController_PreciseRevisionNotYetFetched(t *testing.T) {
	testutil.RequireGit(t)

	bar := newUpstream(t, "bar")
	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("bar", bar.URL(), "")))
	ctx := context.Background()

	_, err := p.controller().Fetch(ctx)
	require.NoError(t, err)

	bar.WriteFile("src/lib.rs", testutil.LibSource(2))
	pinned := bar.Commit(testutil.TestFeatureCommit)
	bar.WriteFile("src/lib.rs", testutil.LibSource(3))
	bar.Commit("later")

	_, err = p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar"}, Precise: pinned.String()})
	require.NoError(t, err)
	assert.Equal(t, 1, p.ops.count())
	assert.Equal(t, updating(bar.URL())+
		"[UPDATING] bar v0.5.0 ("+bar.URL()+") -> #"+p.short(bar.URL(), pinned)+"\n", p.out.String())
	assert.Contains(t, p.lockfile(), "git+"+bar.URL()+"#"+pinned.String())
}

func TestController_TwoRevisionsOfOneRepository(t *testing.T) {
	testutil.RequireGit(t)

	r := newUpstream(t, "r")
	a := r.Head()
	r.WriteFile("src/lib.rs", testutil.LibSource(2))
	b := r.Commit(testutil.TestFeatureCommit)

	p := newProject(t, testutil.Manifest("foo", "0.5.0", `p1 = { path = "p1" }`, `p2 = { path = "p2" }`))
	p.write("p1/"+source.ManifestName, testutil.Manifest("p1", "0.1.0", gitDep("r", r.URL(), `rev = "`+a.String()+`"`)))
	p.write("p2/"+source.ManifestName, testutil.Manifest("p2", "0.1.0", gitDep("r", r.URL(), `rev = "`+b.String()+`"`)))
	ctx := context.Background()

	ctrl := p.controller()
	units, err := ctrl.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ops.count(), "one fetch serves both revisions")

	libs := make(map[string]string)
	for _, u := range units {
		if u.ID.Name != "r" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(u.Root, "src", "lib.rs"))
		require.NoError(t, err)
		libs[u.ID.Source.Precise()] = string(content)
	}
	assert.Equal(t, map[string]string{
		a.String(): testutil.LibSource(1),
		b.String(): testutil.LibSource(2),
	}, libs)

	c, err := cache.New(p.home)
	require.NoError(t, err)
	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Databases)
	assert.Equal(t, 2, stats.Checkouts)

	t.Run("moving one pin leaves the other", func(t *testing.T) {
		r.WriteFile("src/lib.rs", testutil.LibSource(3))
		third := r.Commit("third")
		p.write("p2/"+source.ManifestName, testutil.Manifest("p2", "0.1.0", gitDep("r", r.URL(), `rev = "`+third.String()+`"`)))

		g, err := p.controller().Fetch(ctx)
		require.NoError(t, err)

		var precise []string
		for _, id := range g.Packages() {
			if id.Name == "r" {
				precise = append(precise, id.Source.Precise())
			}
		}
		assert.ElementsMatch(t, []string{a.String(), third.String()}, precise)
		assert.NotContains(t, p.lockfile(), b.String())
	})
}

func TestController_UncommittedEditsDoNotRebuild(t *testing.T) {
	testutil.RequireGit(t)

	bar := newUpstream(t, "bar")
	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("bar", bar.URL(), "")))
	ctx := context.Background()

	first, err := p.controller().Build(ctx)
	require.NoError(t, err)
	assert.Contains(t, p.out.String(), "[COMPILING] bar v0.5.0")

	bar.WriteFile("src/lib.rs", testutil.LibSource(5))

	again, err := p.controller().Build(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.out.String())
	assert.Zero(t, p.ops.count())
	require.Len(t, again, len(first))
	for i, u := range again {
		assert.True(t, u.Fresh, u.ID.Name)
		assert.Equal(t, first[i].Fingerprint, u.Fingerprint)
	}

	// Committing is not enough; the lock keeps the old revision.
	next := bar.Commit(testutil.TestFeatureCommit)
	_, err = p.controller().Build(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.out.String())

	_, err = p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar"}})
	require.NoError(t, err)
	assert.Equal(t, updating(bar.URL())+
		"[UPDATING] bar v0.5.0 ("+bar.URL()+") -> #"+p.short(bar.URL(), next)+"\n", p.out.String())

	units, err := p.controller().Build(ctx)
	require.NoError(t, err)
	assert.Equal(t,
		"[COMPILING] bar v0.5.0 ("+bar.URL()+"#"+p.short(bar.URL(), next)+")\n"+
			"[COMPILING] foo v0.5.0 ("+p.dir+")\n", p.out.String())

	content, err := os.ReadFile(filepath.Join(units[0].Root, "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, testutil.LibSource(5), string(content))
}

func TestController_AmbiguousSpec(t *testing.T) {
	testutil.RequireGit(t)

	old := newUpstream(t, "bar")
	next := testutil.NewUpstream(t, filepath.Join(t.TempDir(), "bar-next"))
	next.WriteFile(testutil.ManifestName, testutil.Manifest("bar", "0.6.0"))
	next.Commit(testutil.TestInitialCommit)

	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("bar", old.URL(), ""), `dep1 = { path = "dep1" }`))
	p.write("dep1/"+source.ManifestName, testutil.Manifest("dep1", "0.5.0", gitDep("bar", next.URL(), "")))
	ctx := context.Background()

	_, err := p.controller().Fetch(ctx)
	require.NoError(t, err)

	t.Run("ambiguous", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar"}})
		require.Error(t, err)
		assert.Equal(t, ExitUsage, ExitCode(err))
		assert.Equal(t, CodeAmbiguousSpec, platformerrors.GetCode(err))
		assert.Equal(t, "There are multiple `bar` packages in your project, and the specification `bar` is ambiguous.\n"+
			"Please re-run this command with `-p <spec>` where `<spec>` is one of the following:\n"+
			"  bar:0.5.0\n"+
			"  bar:0.6.0", git.ErrorChain(err)[0])
		assert.Zero(t, p.ops.count())
	})

	t.Run("version selects one", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar:0.6.0"}})
		require.NoError(t, err)
		assert.Equal(t, updating(next.URL()), p.out.String())
	})

	t.Run("no match", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Packages: []string{"baz"}})
		require.Error(t, err)
		assert.Equal(t, ExitUsage, ExitCode(err))
		assert.Equal(t, CodeSpecNotFound, platformerrors.GetCode(err))
	})

	t.Run("precise without package", func(t *testing.T) {
		_, err := p.controller().Update(ctx, UpdateOptions{Precise: "abc"})
		require.Error(t, err)
		assert.Equal(t, ExitUsage, ExitCode(err))
	})
}

func TestController_InvalidDependencyManifest(t *testing.T) {
	testutil.RequireGit(t)

	dep := testutil.NewUpstream(t, filepath.Join(t.TempDir(), "dep1"))
	dep.WriteFile(testutil.ManifestName, "[package]\nname = \"dep1\"\nversion = \"0.5.0\"\nversion = \"0.5.0\"\n")
	oid := dep.Commit(testutil.TestInitialCommit)

	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("dep1", dep.URL(), "")))
	ctrl := p.controller()

	_, err := ctrl.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))

	db, dbErr := cacheFor(t, p).Database(dep.URL())
	require.NoError(t, dbErr)

	chain := git.ErrorChain(err)
	require.Len(t, chain, 5)
	assert.Equal(t, []string{
		"failed to load source for a dependency on `dep1`",
		"Unable to update " + dep.URL(),
		"failed to parse manifest at `" + filepath.Join(db.CheckoutPath(oid), source.ManifestName) + "`",
		"could not parse input as TOML",
	}, chain[:4])

	var rendered bytes.Buffer
	NewShell(&rendered, false).Error(err)
	assert.True(t, strings.HasPrefix(rendered.String(),
		"[ERROR] failed to load source for a dependency on `dep1`\n\nCaused by:\n  Unable to update "+dep.URL()+"\n"))
}

func cacheFor(t *testing.T, p *project) *cache.Cache {
	t.Helper()
	c, err := cache.New(p.home)
	require.NoError(t, err)
	return c
}

func TestController_SubmoduleFailure(t *testing.T) {
	testutil.RequireGit(t)

	sub := newUpstream(t, "sub")
	missing := plumbing.NewHash("0123456789abcdef0123456789abcdef01234567")

	dep := newUpstream(t, "dep1")
	dep.AddSubmodule("src", sub.URL(), missing)
	dep.RemoveFile("src")
	dep.Commit("add broken submodule")

	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("dep1", dep.URL(), "")))

	_, err := p.controller().Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, git.CodeSubmoduleFailed, platformerrors.GetCode(err))
	assert.Equal(t, []string{
		"failed to load source for a dependency on `dep1`",
		"Unable to update " + dep.URL(),
		"failed to update submodule `src`",
		"object not found - no match for id (" + missing.String() + ")",
	}, git.ErrorChain(err))
}

func TestController_UnsupportedDependency(t *testing.T) {
	p := newProject(t, testutil.Manifest("foo", "0.5.0", `bar = "1.0"`))

	_, err := p.controller().Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeNotImplemented, platformerrors.GetCode(err))
	assert.Equal(t, []string{
		"failed to load source for a dependency on `bar`",
		"registry dependencies are not supported (`bar = \"1.0\"`)",
	}, git.ErrorChain(err))
}

func TestController_DevDependenciesOfRootOnly(t *testing.T) {
	p := newProject(t, testutil.Manifest("foo", "0.5.0", `dep1 = { path = "dep1" }`)+
		"\n[dev-dependencies]\ntester = { path = \"tester\" }\n")
	p.write("dep1/"+source.ManifestName, testutil.Manifest("dep1", "0.5.0")+
		"\n[dev-dependencies]\nghost = { path = \"does-not-exist\" }\n")
	p.write("tester/"+source.ManifestName, testutil.Manifest("tester", "0.1.0"))

	g, err := p.controller().Fetch(context.Background())
	require.NoError(t, err)

	var names []string
	for _, id := range g.Packages() {
		names = append(names, id.Name)
	}
	assert.Equal(t, []string{"dep1", "foo", "tester"}, names)
	assert.Zero(t, p.ops.count())
}

func TestController_ForcePushedHistory(t *testing.T) {
	testutil.RequireGit(t)

	bar := newUpstream(t, "bar")
	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("bar", bar.URL(), `branch = "master"`)))
	ctx := context.Background()

	_, err := p.controller().Fetch(ctx)
	require.NoError(t, err)

	bar.WriteFile("src/lib.rs", testutil.LibSource(2))
	amended := bar.Amend("rewritten")

	_, err = p.controller().Update(ctx, UpdateOptions{Packages: []string{"bar"}})
	require.Error(t, err)
	assert.Equal(t, git.CodeNonFastForward, platformerrors.GetCode(err))
	assert.Equal(t, []string{
		"failed to load source for a dependency on `bar`",
		"Unable to update " + bar.URL(),
	}, git.ErrorChain(err)[:2])

	_, err = p.cliController().Update(ctx, UpdateOptions{Packages: []string{"bar"}})
	require.NoError(t, err)

	out := p.out.String()
	assert.True(t, strings.HasPrefix(out, updating(bar.URL())+"[RUNNING] `git fetch --no-tags --force "), out)
	assert.True(t, strings.HasSuffix(out,
		"[UPDATING] bar v0.5.0 ("+bar.URL()+") -> #"+p.short(bar.URL(), amended)+"\n"), out)
	assert.Contains(t, p.lockfile(), amended.String())
}

func TestController_Metadata(t *testing.T) {
	testutil.RequireGit(t)

	bar := newUpstream(t, "bar")
	p := newProject(t, testutil.Manifest("foo", "0.5.0", gitDep("bar", bar.URL(), "")))

	meta, err := p.controller().Metadata(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "foo 0.5.0", meta.Root)
	require.Len(t, meta.Packages, 2)

	barMeta := meta.Packages[0]
	assert.Equal(t, "bar", barMeta.Name)
	assert.Equal(t, "git+"+bar.URL()+"#"+bar.Head().String(), barMeta.Source)
	assert.Empty(t, barMeta.Dependencies)

	fooMeta := meta.Packages[1]
	assert.Equal(t, filepath.Join(p.dir, source.ManifestName), fooMeta.ManifestPath)
	assert.Equal(t, []string{barMeta.ID}, fooMeta.Dependencies)
}
