package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/gitsource/git"
	"github.com/jmgilman/go/gitsource/git/testutil"
)

// writeTree writes files relative to root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func discoverTree(t *testing.T, files map[string]string) (string, []*Package, error) {
	t.Helper()

	root := t.TempDir()
	writeTree(t, root, files)

	id, err := NewGitSourceID("https://example.com/repo", git.DefaultBranchRef())
	require.NoError(t, err)

	pkgs, err := Discover(osfs.New("/"), root, id.WithPrecise(testOid), nil)
	return root, pkgs, err
}

func names(pkgs []*Package) []string {
	var result []string
	for _, pkg := range pkgs {
		result = append(result, pkg.ID.Name)
	}
	return result
}

func TestDiscover(t *testing.T) {
	t.Run("single package", func(t *testing.T) {
		root, pkgs, err := discoverTree(t, map[string]string{
			ManifestName: testutil.Manifest("foo", "0.5.0"),
			"src/lib.rs": testutil.LibSource(1),
		})
		require.NoError(t, err)
		require.Len(t, pkgs, 1)

		pkg := pkgs[0]
		assert.Equal(t, "foo", pkg.ID.Name)
		assert.Equal(t, "0.5.0", pkg.ID.Version)
		assert.Equal(t, testOid, pkg.ID.Source.Precise())
		assert.Equal(t, root, pkg.Root())
	})

	t.Run("meta package repository", func(t *testing.T) {
		root, pkgs, err := discoverTree(t, map[string]string{
			"bar/" + ManifestName:         testutil.Manifest("bar", "0.5.0"),
			"baz/" + ManifestName:         testutil.Manifest("baz", "0.6.0"),
			"nested/deep/" + ManifestName: testutil.Manifest("deep", "1.0.0"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"bar", "baz", "deep"}, names(pkgs))
		assert.Equal(t, filepath.Join(root, "nested", "deep"), pkgs[2].Root())
	})

	t.Run("skips target and hidden directories", func(t *testing.T) {
		_, pkgs, err := discoverTree(t, map[string]string{
			ManifestName:                  testutil.Manifest("foo", "0.5.0"),
			"target/pkg/" + ManifestName:  testutil.Manifest("built", "0.1.0"),
			".hidden/pkg/" + ManifestName: testutil.Manifest("hidden", "0.1.0"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"foo"}, names(pkgs))
	})

	t.Run("root wins duplicate names", func(t *testing.T) {
		root, pkgs, err := discoverTree(t, map[string]string{
			ManifestName:             testutil.Manifest("foo", "0.5.0"),
			"A/copy/" + ManifestName: testutil.Manifest("foo", "0.4.0"),
		})
		require.NoError(t, err)
		require.Len(t, pkgs, 1)
		assert.Equal(t, root, pkgs[0].Root())
		assert.Equal(t, "0.5.0", pkgs[0].ID.Version)
	})

	t.Run("nothing found", func(t *testing.T) {
		_, _, err := discoverTree(t, map[string]string{"README.md": "hello"})
		require.Error(t, err)
		assert.Equal(t, platformerrors.CodeNotFound, platformerrors.GetCode(err))
	})
}

func TestDiscover_InvalidManifests(t *testing.T) {
	const broken = "[package]\nname = \"bad\"\nversion = \"0.1.0\"\nversion = \"0.1.0\"\n"

	t.Run("unreferenced manifest is ignored", func(t *testing.T) {
		_, pkgs, err := discoverTree(t, map[string]string{
			ManifestName:                   testutil.Manifest("foo", "0.5.0"),
			"examples/bad/" + ManifestName: broken,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"foo"}, names(pkgs))
	})

	t.Run("root manifest is fatal", func(t *testing.T) {
		root, _, err := discoverTree(t, map[string]string{
			ManifestName:          broken,
			"bar/" + ManifestName: testutil.Manifest("bar", "0.5.0"),
		})
		require.Error(t, err)
		assert.Equal(t, CodeManifestParse, platformerrors.GetCode(err))
		assert.Equal(t, "failed to parse manifest at `"+filepath.Join(root, ManifestName)+"`", git.ErrorChain(err)[0])
	})

	t.Run("path dependency is fatal", func(t *testing.T) {
		root, _, err := discoverTree(t, map[string]string{
			ManifestName:                 testutil.Manifest("foo", "0.5.0", `bad = { path = "vendor/bad" }`),
			"vendor/bad/" + ManifestName: broken,
		})
		require.Error(t, err)
		assert.Equal(t, "failed to parse manifest at `"+filepath.Join(root, "vendor", "bad", ManifestName)+"`", git.ErrorChain(err)[0])
	})

	t.Run("only broken manifests", func(t *testing.T) {
		_, _, err := discoverTree(t, map[string]string{
			"a/" + ManifestName: broken,
		})
		require.Error(t, err)
		assert.Equal(t, CodeManifestParse, platformerrors.GetCode(err))
	})
}
