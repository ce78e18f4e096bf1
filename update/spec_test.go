package update

import (
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/gitsource/git"
	"github.com/jmgilman/go/gitsource/source"
)

func TestParsePackageSpec(t *testing.T) {
	tests := []struct {
		input string
		want  PackageSpec
	}{
		{"bar", PackageSpec{Name: "bar"}},
		{"bar:0.5.0", PackageSpec{Name: "bar", Version: "0.5.0"}},
		{"bar@0.5.0", PackageSpec{Name: "bar", Version: "0.5.0"}},
		{"https://github.com/Org/Bar.git#bar", PackageSpec{Name: "bar", URL: "https://github.com/org/bar"}},
		{"https://example.com/org/bar#baz:1.0.0", PackageSpec{Name: "baz", Version: "1.0.0", URL: "https://example.com/org/bar"}},
		{"https://example.com/org/bar.git#0.5.0", PackageSpec{Name: "bar", Version: "0.5.0", URL: "https://example.com/org/bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePackageSpec(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", ":0.5.0", "bar:", "git@github.com:org/bar#bar"} {
		_, err := ParsePackageSpec(bad)
		assert.Error(t, err, bad)
		assert.Equal(t, platformerrors.CodeInvalidInput, platformerrors.GetCode(err), bad)
	}
}

func TestPackageSpec_String(t *testing.T) {
	spec, err := ParsePackageSpec("https://example.com/bar#bar:0.5.0")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/bar#bar:0.5.0", spec.String())
	assert.Equal(t, "bar", PackageSpec{Name: "bar"}.String())
}

func gitPackage(t *testing.T, name, version, url string) source.PackageID {
	t.Helper()
	id, err := source.NewGitSourceID(url, git.DefaultBranchRef())
	require.NoError(t, err)
	return source.PackageID{Name: name, Version: version, Source: id}
}

func TestMatchSpec(t *testing.T) {
	old := gitPackage(t, "bar", "0.5.0", "https://example.com/old/bar")
	current := gitPackage(t, "bar", "0.6.0", "https://example.com/new/bar")
	foo := gitPackage(t, "foo", "0.1.0", "https://example.com/foo")
	candidates := []source.PackageID{current, foo, old}

	t.Run("unique name", func(t *testing.T) {
		got, err := matchSpec("foo", candidates)
		require.NoError(t, err)
		assert.Equal(t, []source.PackageID{foo}, got)
	})

	t.Run("version disambiguates", func(t *testing.T) {
		got, err := matchSpec("bar:0.5.0", candidates)
		require.NoError(t, err)
		assert.Equal(t, []source.PackageID{old}, got)
	})

	t.Run("url disambiguates", func(t *testing.T) {
		got, err := matchSpec("https://example.com/new/bar#bar", candidates)
		require.NoError(t, err)
		assert.Equal(t, []source.PackageID{current}, got)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := matchSpec("bar", candidates)
		require.Error(t, err)
		assert.Equal(t, CodeAmbiguousSpec, platformerrors.GetCode(err))
		assert.Equal(t, ExitUsage, ExitCode(err))
		assert.Equal(t, "There are multiple `bar` packages in your project, and the specification `bar` is ambiguous.\n"+
			"Please re-run this command with `-p <spec>` where `<spec>` is one of the following:\n"+
			"  bar:0.5.0\n"+
			"  bar:0.6.0", git.ErrorChain(err)[0])
	})

	t.Run("same name and version in several sources", func(t *testing.T) {
		a := gitPackage(t, "dep", "0.5.0", "https://example.com/dep")
		b := a
		b.Source = b.Source.WithPrecise("0123456789abcdef0123456789abcdef01234567")

		got, err := matchSpec("dep", []source.PackageID{a, b})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := matchSpec("baz", candidates)
		require.Error(t, err)
		assert.Equal(t, CodeSpecNotFound, platformerrors.GetCode(err))
		assert.Equal(t, "package ID specification `baz` did not match any packages", git.ErrorChain(err)[0])
	})
}
