package source

import (
	"fmt"
	"path/filepath"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/gitsource/git"
	"github.com/jmgilman/go/gitsource/git/cache"
)

// Kind identifies where a package comes from.
type Kind int

const (
	// KindPath is a directory on the local filesystem.
	KindPath Kind = iota
	// KindGit is a remote git repository.
	KindGit
	// KindRegistry is a package registry. Registries can be named in
	// identifiers but are not fetched by this module.
	KindRegistry
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindGit:
		return "git"
	case KindRegistry:
		return "registry"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SourceID identifies a source. Values are comparable.
//
// A git SourceID carries the URL as written by the user, the reference and,
// once resolved, the precise oid. Its lockfile form is
//
//	git+<url>[?branch=<name>|tag=<name>|rev=<rev>]#<oid>
//
// with the query omitted for the default branch.
type SourceID struct {
	kind    Kind
	url     string
	ref     git.Reference
	precise string
}

// NewGitSourceID returns the identifier of a git source. The URL must be
// absolute; scp-like addresses are rejected.
func NewGitSourceID(rawURL string, ref git.Reference) (SourceID, error) {
	if _, err := cache.CanonicalURL(rawURL); err != nil {
		return SourceID{}, err
	}
	return SourceID{kind: KindGit, url: rawURL, ref: ref}, nil
}

// NewPathSourceID returns the identifier of a local directory.
func NewPathSourceID(dir string) (SourceID, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return SourceID{}, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid path `%s`", dir)
	}
	return SourceID{kind: KindPath, url: abs}, nil
}

// NewRegistrySourceID returns the identifier of a registry.
func NewRegistrySourceID(url string) SourceID {
	return SourceID{kind: KindRegistry, url: url}
}

// ParseSourceID parses the lockfile form produced by String.
func ParseSourceID(s string) (SourceID, error) {
	kind, rest, ok := strings.Cut(s, "+")
	if !ok || rest == "" {
		return SourceID{}, platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid source `%s`", s)
	}

	switch kind {
	case "git":
		rest, precise, _ := strings.Cut(rest, "#")
		base, query, _ := strings.Cut(rest, "?")

		key, value, _ := strings.Cut(query, "=")
		ref, err := git.ParseReferenceQuery(key, value)
		if err != nil {
			return SourceID{}, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid source `%s`", s)
		}

		id, err := NewGitSourceID(base, ref)
		if err != nil {
			return SourceID{}, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid source `%s`", s)
		}
		return id.WithPrecise(precise), nil

	case "path":
		return SourceID{kind: KindPath, url: filepath.FromSlash(strings.TrimPrefix(rest, "file://"))}, nil

	case "registry":
		return NewRegistrySourceID(rest), nil

	default:
		return SourceID{}, platformerrors.Newf(platformerrors.CodeInvalidInput, "unsupported source protocol `%s` in `%s`", kind, s)
	}
}

// Kind returns the source kind.
func (id SourceID) Kind() Kind {
	return id.kind
}

// URL returns the URL of the source, or the directory of a path source.
func (id SourceID) URL() string {
	return id.url
}

// Reference returns the git reference. Only meaningful for git sources.
func (id SourceID) Reference() git.Reference {
	return id.ref
}

// Precise returns the resolved oid, or "" when unresolved.
func (id SourceID) Precise() string {
	return id.precise
}

// WithPrecise returns a copy of id pinned to precise.
func (id SourceID) WithPrecise(precise string) SourceID {
	id.precise = precise
	return id
}

// IsGit reports whether id names a git source.
func (id SourceID) IsGit() bool {
	return id.kind == KindGit
}

// Key returns the identity of the source without its precise oid. Git
// sources are keyed by canonical URL and reference, so spellings of the
// same URL share a key while different references of one URL do not.
func (id SourceID) Key() string {
	switch id.kind {
	case KindGit:
		canonical, err := cache.CanonicalURL(id.url)
		if err != nil {
			canonical = id.url
		}
		if q := id.ref.Query(); q != "" {
			return "git+" + canonical + "?" + q
		}
		return "git+" + canonical
	default:
		return id.String()
	}
}

// String returns the lockfile form of id.
func (id SourceID) String() string {
	switch id.kind {
	case KindGit:
		s := "git+" + id.url
		if q := id.ref.Query(); q != "" {
			s += "?" + q
		}
		if id.precise != "" {
			s += "#" + id.precise
		}
		return s
	case KindPath:
		return "path+file://" + filepath.ToSlash(id.url)
	default:
		return "registry+" + id.url
	}
}

// PackageID uniquely identifies a package within a resolve.
type PackageID struct {
	Name    string
	Version string
	Source  SourceID
}

// String returns `<name> v<version> (<location>)`.
func (id PackageID) String() string {
	return fmt.Sprintf("%s v%s (%s)", id.Name, id.Version, id.Source.URL())
}

// LockString returns the form used in lockfile dependency lists. Path
// packages omit the source.
func (id PackageID) LockString() string {
	if id.Source.Kind() == KindPath {
		return id.Name + " " + id.Version
	}
	return fmt.Sprintf("%s %s (%s)", id.Name, id.Version, id.Source)
}

// Spec returns `<name>:<version>`, the form used to select the package on
// the command line.
func (id PackageID) Spec() string {
	return id.Name + ":" + id.Version
}
