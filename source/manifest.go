package source

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/jmgilman/go/gitsource/git"
)

// ManifestName is the file name of a package manifest.
const ManifestName = "Package.toml"

// CodeManifestParse marks a manifest that could not be read or parsed.
const CodeManifestParse platformerrors.ErrorCode = "MANIFEST_PARSE_FAILED"

// Manifest is the parsed content of a Package.toml.
//
//	[package]
//	name = "foo"
//	version = "0.5.0"
//
//	[dependencies]
//	bar = { git = "https://example.com/bar", branch = "main" }
//	baz = { path = "vendor/baz" }
//
//	[dev-dependencies]
//	qux = { git = "https://example.com/qux", rev = "0a1b2c3" }
type Manifest struct {
	Name    string
	Version string
	// Dependencies holds regular dependencies followed by dev-dependencies,
	// each group sorted by name.
	Dependencies []Dependency
}

// Dependency is one entry of [dependencies] or [dev-dependencies].
type Dependency struct {
	Name string
	// Version is the requirement as written. Git and path dependencies
	// provide exactly one version, so it is informational.
	Version   string
	Path      string
	Git       string
	Reference git.Reference
	Dev       bool
}

// Kind returns the kind of source the dependency is served from.
func (d Dependency) Kind() Kind {
	switch {
	case d.Path != "":
		return KindPath
	case d.Git != "":
		return KindGit
	default:
		return KindRegistry
	}
}

type rawManifest struct {
	Package         *rawPackage    `toml:"package"`
	Project         *rawPackage    `toml:"project"`
	Dependencies    map[string]any `toml:"dependencies"`
	DevDependencies map[string]any `toml:"dev-dependencies"`
}

type rawPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// ReadManifest reads and parses the manifest at path.
func ReadManifest(fs billy.Filesystem, path string) (*Manifest, error) {
	data, err := util.ReadFile(fs, path)
	if err != nil {
		code := CodeManifestParse
		if os.IsNotExist(err) {
			code = platformerrors.CodeNotFound
		}
		return nil, platformerrors.Wrapf(err, code, "failed to read `%s`", path)
	}
	return ParseManifest(data, path)
}

// ParseManifest parses manifest content. path is only used in messages.
// Every failure is a CodeManifestParse error whose first message names the
// file:
//
//	failed to parse manifest at `<path>`
//	could not parse input as TOML
//	toml: key version is already defined
func ParseManifest(data []byte, path string) (*Manifest, error) {
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, manifestError(path, platformerrors.Wrap(err, CodeManifestParse, "could not parse input as TOML"))
	}

	pkg := raw.Package
	if pkg == nil {
		pkg = raw.Project
	}
	switch {
	case pkg == nil:
		return nil, manifestError(path, platformerrors.New(CodeManifestParse, "missing field `package`"))
	case pkg.Name == "":
		return nil, manifestError(path, platformerrors.New(CodeManifestParse, "missing field `name`"))
	case pkg.Version == "":
		return nil, manifestError(path, platformerrors.New(CodeManifestParse, "missing field `version`"))
	}

	m := &Manifest{Name: pkg.Name, Version: pkg.Version}
	for _, group := range []struct {
		entries map[string]any
		dev     bool
	}{
		{raw.Dependencies, false},
		{raw.DevDependencies, true},
	} {
		names := make([]string, 0, len(group.entries))
		for name := range group.entries {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			dep, err := parseDependency(name, group.entries[name], group.dev)
			if err != nil {
				return nil, manifestError(path, err)
			}
			m.Dependencies = append(m.Dependencies, dep)
		}
	}

	return m, nil
}

func manifestError(path string, err error) error {
	return platformerrors.Wrapf(err, CodeManifestParse, "failed to parse manifest at `%s`", path)
}

func parseDependency(name string, value any, dev bool) (Dependency, error) {
	dep := Dependency{Name: name, Dev: dev}

	switch v := value.(type) {
	case string:
		dep.Version = v
		return dep, nil

	case map[string]any:
		fields := map[string]*string{
			"version": &dep.Version,
			"path":    &dep.Path,
			"git":     &dep.Git,
		}
		refs := map[string]string{}
		for key, raw := range v {
			s, ok := raw.(string)
			switch key {
			case "version", "path", "git", "branch", "tag", "rev":
				if !ok {
					return dep, platformerrors.Newf(platformerrors.CodeInvalidInput,
						"invalid type for `dependencies.%s.%s`: expected a string", name, key)
				}
			default:
				continue
			}
			if field, found := fields[key]; found {
				*field = s
			} else {
				refs[key] = s
			}
		}

		if dep.Git != "" && dep.Path != "" {
			return dep, platformerrors.Newf(platformerrors.CodeInvalidInput,
				"dependency (`%s`) specification is ambiguous. Only one of `git` or `path` is allowed.", name)
		}
		if len(refs) > 1 {
			return dep, platformerrors.Newf(platformerrors.CodeInvalidInput,
				"dependency (`%s`) specification is ambiguous. Only one of `branch`, `tag` or `rev` is allowed.", name)
		}
		for key, value := range refs {
			if dep.Git == "" {
				return dep, platformerrors.Newf(platformerrors.CodeInvalidInput,
					"key `%s` is only allowed for git dependencies (`%s`)", key, name)
			}
			ref, err := git.ParseReferenceQuery(key, value)
			if err != nil {
				return dep, err
			}
			dep.Reference = ref
		}

		if dep.Git != "" {
			if _, err := NewGitSourceID(dep.Git, dep.Reference); err != nil {
				return dep, err
			}
		}
		return dep, nil

	default:
		return dep, platformerrors.New(platformerrors.CodeInvalidInput,
			fmt.Sprintf("invalid type for dependency `%s`: expected a version string or a table", name))
	}
}
