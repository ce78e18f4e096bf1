package update

import (
	"fmt"
	"sort"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/gitsource/git/cache"
	"github.com/jmgilman/go/gitsource/source"
)

// Error codes for package ID specifications. Both are usage errors.
const (
	// CodeAmbiguousSpec marks a specification matching several packages.
	CodeAmbiguousSpec platformerrors.ErrorCode = "AMBIGUOUS_PACKAGE_SPEC"

	// CodeSpecNotFound marks a specification matching no package.
	CodeSpecNotFound platformerrors.ErrorCode = "PACKAGE_SPEC_NOT_FOUND"
)

// PackageSpec selects packages of a resolve on the command line. Accepted
// forms are
//
//	name
//	name:version
//	name@version
//	url#name
//	url#name:version
//	url#version
type PackageSpec struct {
	Name    string
	Version string
	// URL is canonicalized; empty when the spec does not name a location.
	URL string
}

// ParsePackageSpec parses a package ID specification.
func ParsePackageSpec(s string) (PackageSpec, error) {
	var spec PackageSpec
	rest := s

	if base, fragment, ok := strings.Cut(s, "#"); ok {
		canonical, err := cache.CanonicalURL(base)
		if err != nil {
			return spec, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid package ID specification `%s`", s)
		}
		spec.URL = canonical
		rest = fragment

		// url#version names the package after the last path segment.
		if rest != "" && isVersion(rest) {
			spec.Name = base[strings.LastIndexByte(strings.TrimRight(base, "/"), '/')+1:]
			spec.Name = strings.TrimSuffix(spec.Name, ".git")
			spec.Version = rest
			return spec, nil
		}
	}

	name, version, found := strings.Cut(rest, ":")
	if !found {
		name, version, found = strings.Cut(rest, "@")
	}
	if name == "" || (found && version == "") {
		return spec, platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid package ID specification `%s`", s)
	}

	spec.Name = name
	spec.Version = version
	return spec, nil
}

func isVersion(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// String returns the spec in its canonical form.
func (s PackageSpec) String() string {
	out := s.Name
	if s.Version != "" {
		out += ":" + s.Version
	}
	if s.URL != "" {
		out = s.URL + "#" + out
	}
	return out
}

// Matches reports whether id is selected by s.
func (s PackageSpec) Matches(id source.PackageID) bool {
	if s.Name != id.Name {
		return false
	}
	if s.Version != "" && s.Version != id.Version {
		return false
	}
	if s.URL != "" {
		canonical, err := cache.CanonicalURL(id.Source.URL())
		if err != nil || canonical != s.URL {
			return false
		}
	}
	return true
}

// matchSpec returns every package of candidates selected by raw. Matching
// packages with different versions is an error; packages sharing a name and
// version, as when one repository is locked at several references, are all
// selected.
func matchSpec(raw string, candidates []source.PackageID) ([]source.PackageID, error) {
	spec, err := ParsePackageSpec(raw)
	if err != nil {
		return nil, err
	}

	var matched []source.PackageID
	for _, id := range candidates {
		if spec.Matches(id) {
			matched = append(matched, id)
		}
	}

	if len(matched) == 0 {
		return nil, platformerrors.Newf(CodeSpecNotFound,
			"package ID specification `%s` did not match any packages", raw)
	}

	distinct := make(map[string]bool)
	for _, id := range matched {
		distinct[id.Spec()] = true
	}
	if len(distinct) > 1 {
		specs := make([]string, 0, len(distinct))
		for s := range distinct {
			specs = append(specs, s)
		}
		sort.Strings(specs)

		var b strings.Builder
		fmt.Fprintf(&b, "There are multiple `%s` packages in your project, and the specification `%s` is ambiguous.\n", spec.Name, raw)
		b.WriteString("Please re-run this command with `-p <spec>` where `<spec>` is one of the following:")
		for _, s := range specs {
			b.WriteString("\n  " + s)
		}
		return nil, platformerrors.New(CodeAmbiguousSpec, b.String())
	}

	return matched, nil
}
