package source

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"
)

// Discover finds every package below root and assigns it to the source id.
//
// A repository may hold one package at its root, several packages in
// subdirectories, or both. Directories named `target` and hidden
// directories are skipped.
//
// A manifest that fails to parse is fatal when it is the root manifest or
// when a parsed manifest declares a path dependency on it. Any other broken
// manifest is logged and ignored. When two manifests declare the same
// package name, the one closest to root wins.
func Discover(fs billy.Filesystem, root string, id SourceID, logger *slog.Logger) ([]*Package, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var paths []string
	err := util.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && skipDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Name() == ManifestName {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to search `%s` for packages", root)
	}

	// Shallow manifests first so the root package wins name clashes.
	sort.SliceStable(paths, func(i, j int) bool {
		return depth(root, paths[i]) < depth(root, paths[j])
	})

	var (
		found    []*Package
		byName   = make(map[string]*Package)
		failures = make(map[string]error)
		required = map[string]bool{filepath.Join(root, ManifestName): true}
		firstErr error
	)
	for _, path := range paths {
		manifest, err := ReadManifest(fs, path)
		if err != nil {
			failures[path] = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, dep := range manifest.Dependencies {
			if dep.Path != "" {
				required[filepath.Join(filepath.Dir(path), dep.Path, ManifestName)] = true
			}
		}

		if prev, ok := byName[manifest.Name]; ok {
			logger.Warn("skipping duplicate package",
				"name", manifest.Name, "path", path, "kept", prev.ManifestPath)
			continue
		}

		pkg := &Package{
			ID:           PackageID{Name: manifest.Name, Version: manifest.Version, Source: id},
			Manifest:     manifest,
			ManifestPath: path,
		}
		byName[manifest.Name] = pkg
		found = append(found, pkg)
	}

	for _, path := range paths {
		if err, ok := failures[path]; ok {
			if required[path] {
				return nil, err
			}
			logger.Warn("skipping package with invalid manifest", "path", path, "error", err)
		}
	}

	if len(found) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, platformerrors.Newf(platformerrors.CodeNotFound, "could not find `%s` in `%s`", ManifestName, root)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID.Name < found[j].ID.Name })
	return found, nil
}

func skipDir(name string) bool {
	return name == "target" || strings.HasPrefix(name, ".")
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/")
}

// query returns the package named name from packages.
func query(packages []*Package, name string, location string) (*Package, error) {
	for _, pkg := range packages {
		if pkg.ID.Name == name {
			return pkg, nil
		}
	}
	return nil, platformerrors.Newf(platformerrors.CodeNotFound,
		"no matching package named `%s` found\nlocation searched: %s", name, location)
}
