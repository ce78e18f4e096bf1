package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/gitsource/git"
	"github.com/jmgilman/go/gitsource/git/cache"
	"github.com/jmgilman/go/gitsource/git/testutil"
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

func newCache(t *testing.T, root string) (*cache.Cache, *countingOps) {
	t.Helper()

	ops := &countingOps{inner: git.NewRemoteOperations()}
	c, err := cache.New(root, cache.WithRemoteOperations(ops))
	require.NoError(t, err)
	return c, ops
}

func newUpstream(t *testing.T, name string) *testutil.Upstream {
	t.Helper()

	up := testutil.NewUpstream(t, filepath.Join(t.TempDir(), name))
	up.WriteFile(testutil.ManifestName, testutil.Manifest(name, "0.5.0"))
	up.WriteFile("src/lib.rs", testutil.LibSource(1))
	up.Commit(testutil.TestInitialCommit)
	return up
}

func newGitSource(t *testing.T, c *cache.Cache, url string, ref git.Reference, precise string) *GitSource {
	t.Helper()

	id, err := NewGitSourceID(url, ref)
	require.NoError(t, err)

	src, err := NewGitSource(c, id.WithPrecise(precise))
	require.NoError(t, err)
	return src
}

func TestGitSource_Update(t *testing.T) {
	testutil.RequireGit(t)

	c, ops := newCache(t, t.TempDir())
	up := newUpstream(t, "dep1")
	ctx := context.Background()

	src := newGitSource(t, c, up.URL(), git.BranchRef("master"), "")
	assert.Empty(t, src.ID().Precise())
	assert.Nil(t, src.Checkout())

	require.NoError(t, src.Update(ctx))
	assert.Equal(t, 1, ops.count())
	assert.Equal(t, up.Head(), src.Oid())
	assert.Equal(t, up.Head().String(), src.ID().Precise())
	assert.Equal(t, git.BranchRef("master"), src.ID().Reference())

	pkg, err := src.Query("dep1")
	require.NoError(t, err)
	assert.Equal(t, "0.5.0", pkg.ID.Version)
	assert.Equal(t, src.ID(), pkg.ID.Source)
	assert.Equal(t, src.Checkout().Path, pkg.Root())

	content, err := os.ReadFile(filepath.Join(pkg.Root(), "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, testutil.LibSource(1), string(content))

	_, err = src.Query("missing")
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeNotFound, platformerrors.GetCode(err))
}

func TestGitSource_BranchesOfOneRepository(t *testing.T) {
	testutil.RequireGit(t)

	c, _ := newCache(t, t.TempDir())
	up := newUpstream(t, "dep1")
	master := up.Head()

	up.SwitchBranch("feature")
	up.WriteFile("src/lib.rs", testutil.LibSource(2))
	feature := up.Commit(testutil.TestFeatureCommit)
	up.SwitchBranch("master")
	ctx := context.Background()

	a := newGitSource(t, c, up.URL(), git.DefaultBranchRef(), "")
	b := newGitSource(t, c, up.URL(), git.BranchRef("feature"), "")
	require.NoError(t, a.Update(ctx))
	require.NoError(t, b.Update(ctx))

	assert.Equal(t, master, a.Oid())
	assert.Equal(t, feature, b.Oid())
	assert.Same(t, a.Database(), b.Database())
	assert.NotEqual(t, a.ID().Key(), b.ID().Key())

	content, err := os.ReadFile(filepath.Join(b.Checkout().Path, "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, testutil.LibSource(2), string(content))
}

func TestGitSource_PinnedNeedsNoNetwork(t *testing.T) {
	testutil.RequireGit(t)

	root := t.TempDir()
	up := newUpstream(t, "dep1")
	first := up.Head()
	ctx := context.Background()

	c, _ := newCache(t, root)
	require.NoError(t, newGitSource(t, c, up.URL(), git.BranchRef("master"), "").Update(ctx))

	// The branch moves on, but the pin keeps the old commit.
	up.WriteFile("src/lib.rs", testutil.LibSource(2))
	up.Commit(testutil.TestFeatureCommit)

	again, ops := newCache(t, root)
	pinned := newGitSource(t, again, up.URL(), git.BranchRef("master"), first.String())
	require.NoError(t, pinned.Update(ctx))

	assert.Zero(t, ops.count())
	assert.Equal(t, first, pinned.Oid())
}

func TestGitSource_StalePinFetches(t *testing.T) {
	testutil.RequireGit(t)

	c, ops := newCache(t, t.TempDir())
	up := newUpstream(t, "dep1")
	ctx := context.Background()

	require.NoError(t, newGitSource(t, c, up.URL(), git.BranchRef("master"), "").Update(ctx))

	up.WriteFile("src/lib.rs", testutil.LibSource(2))
	next := up.Commit(testutil.TestFeatureCommit)

	pinned := newGitSource(t, c, up.URL(), git.BranchRef("master"), next.String())
	require.NoError(t, pinned.Update(ctx))
	assert.Equal(t, 2, ops.count())
	assert.Equal(t, next, pinned.Oid())
}

func TestGitSource_PreciseNotFound(t *testing.T) {
	testutil.RequireGit(t)

	c, _ := newCache(t, t.TempDir())
	up := newUpstream(t, "dep1")

	src := newGitSource(t, c, up.URL(), git.DefaultBranchRef(), "0.1.2")
	err := src.Update(context.Background())
	require.Error(t, err)

	assert.Equal(t, git.CodeRefNotFound, platformerrors.GetCode(err))
	assert.Equal(t, []string{
		"Unable to update " + up.URL(),
		"revspec '0.1.2' not found",
	}, git.ErrorChain(err))
}

func TestGitSource_InvalidManifest(t *testing.T) {
	testutil.RequireGit(t)

	c, _ := newCache(t, t.TempDir())
	up := testutil.NewUpstream(t, filepath.Join(t.TempDir(), "dep1"))
	up.WriteFile(testutil.ManifestName, "[package]\nname = \"dep1\"\nversion = \"0.5.0\"\nversion = \"0.5.0\"\n")
	oid := up.Commit(testutil.TestInitialCommit)

	src := newGitSource(t, c, up.URL(), git.DefaultBranchRef(), "")
	err := src.Update(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeManifestParse, platformerrors.GetCode(err))

	chain := git.ErrorChain(err)

	db, err := c.Database(up.URL())
	require.NoError(t, err)
	manifest := filepath.Join(db.CheckoutPath(oid), ManifestName)

	require.Len(t, chain, 4)
	assert.Equal(t, "Unable to update "+up.URL(), chain[0])
	assert.Equal(t, "failed to parse manifest at `"+manifest+"`", chain[1])
	assert.Equal(t, "could not parse input as TOML", chain[2])
}

func TestGitSource_MultiplePackages(t *testing.T) {
	testutil.RequireGit(t)

	c, _ := newCache(t, t.TempDir())
	up := testutil.NewUpstream(t, filepath.Join(t.TempDir(), "repo"))
	up.WriteFile("bar/"+testutil.ManifestName, testutil.Manifest("bar", "0.5.0", `baz = { path = "../baz" }`))
	up.WriteFile("baz/"+testutil.ManifestName, testutil.Manifest("baz", "0.6.0"))
	up.Commit(testutil.TestInitialCommit)

	src := newGitSource(t, c, up.URL(), git.DefaultBranchRef(), "")
	require.NoError(t, src.Update(context.Background()))

	var got []string
	for _, pkg := range src.Packages() {
		got = append(got, pkg.ID.Name)
	}
	assert.Equal(t, []string{"bar", "baz"}, got)

	bar, err := src.Query("bar")
	require.NoError(t, err)
	dep := bar.Manifest.Dependencies[0]

	baz, err := src.PackageAt(filepath.Join(bar.Root(), dep.Path))
	require.NoError(t, err)
	assert.Equal(t, "baz", baz.ID.Name)

	_, err = src.PackageAt(filepath.Join(src.Checkout().Path, "nope"))
	assert.Equal(t, platformerrors.CodeNotFound, platformerrors.GetCode(err))
}

func TestGitSource_Describe(t *testing.T) {
	testutil.RequireGit(t)

	c, _ := newCache(t, t.TempDir())
	up := newUpstream(t, "dep1")

	src := newGitSource(t, c, up.URL(), git.DefaultBranchRef(), "")
	require.NoError(t, src.Update(context.Background()))

	short, err := src.Database().ShortID(src.Oid())
	require.NoError(t, err)

	pkg, err := src.Query("dep1")
	require.NoError(t, err)
	assert.Equal(t, "dep1 v0.5.0 ("+up.URL()+"#"+short+")", src.Describe(pkg.ID))

	unresolved := PackageID{Name: "dep1", Version: "0.5.0", Source: pkg.ID.Source.WithPrecise("")}
	assert.Equal(t, "dep1 v0.5.0 ("+up.URL()+")", src.Describe(unresolved))
}

func TestGitSource_Fingerprint(t *testing.T) {
	testutil.RequireGit(t)

	c, _ := newCache(t, t.TempDir())
	up := newUpstream(t, "dep1")
	ctx := context.Background()

	fingerprint := func() string {
		t.Helper()
		src := newGitSource(t, c, up.URL(), git.BranchRef("master"), "")
		require.NoError(t, src.Update(ctx))
		pkg, err := src.Query("dep1")
		require.NoError(t, err)
		fp, err := src.Fingerprint(pkg)
		require.NoError(t, err)
		return fp
	}

	first := fingerprint()
	assert.Equal(t, first, fingerprint(), "same oid, same fingerprint")

	up.WriteFile("src/lib.rs", testutil.LibSource(3))
	assert.Equal(t, first, fingerprint(), "uncommitted edits are invisible")

	up.Commit(testutil.TestFeatureCommit)
	assert.NotEqual(t, first, fingerprint(), "a new oid changes the fingerprint")

	t.Run("before update", func(t *testing.T) {
		src := newGitSource(t, c, up.URL(), git.BranchRef("master"), "")
		_, err := src.Fingerprint(&Package{ManifestPath: filepath.Join(t.TempDir(), ManifestName)})
		assert.Error(t, err)
	})
}

func TestNewGitSource_RejectsOtherKinds(t *testing.T) {
	c, _ := newCache(t, t.TempDir())

	id, err := NewPathSourceID(t.TempDir())
	require.NoError(t, err)

	_, err = NewGitSource(c, id)
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeInvalidInput, platformerrors.GetCode(err))
}
