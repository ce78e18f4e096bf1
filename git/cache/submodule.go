package cache

import (
	"context"
	"net/url"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/config"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/gitsource/git"
)

// readModules parses a .gitmodules file into a path -> submodule map. A
// missing file yields an empty map.
func readModules(fs billy.Filesystem, file string) (map[string]*config.Submodule, error) {
	data, err := util.ReadFile(fs, file)
	if os.IsNotExist(err) {
		return map[string]*config.Submodule{}, nil
	}
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to read .gitmodules")
	}

	modules := config.NewModules()
	if err := modules.Unmarshal(data); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "failed to parse .gitmodules")
	}

	byPath := make(map[string]*config.Submodule, len(modules.Submodules))
	for _, sub := range modules.Submodules {
		byPath[path.Clean(sub.Path)] = sub
	}
	return byPath, nil
}

// updateSubmodule extracts the commit a gitlink records into dest. Only the
// URL and commit recorded in the enclosing snapshot are used; the commit is
// fetched into the submodule's own database when it is not there yet.
func (d *Database) updateSubmodule(ctx context.Context, sub *config.Submodule, link gitlink, dest string, chain []visit) error {
	subURL, err := resolveSubmoduleURL(d.url, sub.URL)
	if err != nil {
		return err
	}

	db, err := d.cache.Database(subURL)
	if err != nil {
		return err
	}

	for _, v := range chain {
		if v.url == db.canonical && v.oid == link.oid {
			return platformerrors.Newf(git.CodeSubmoduleCycle,
				"submodule `%s` refers back to %s at %s", link.path, subURL, link.oid)
		}
	}

	if !db.HasCommit(link.oid) {
		d.cache.logger.Debug("fetching submodule", "path", link.path, "url", subURL, "oid", link.oid.String())
		if err := db.fetch(ctx, false, git.RevRef(link.oid.String())); err != nil {
			return err
		}
		if !db.HasCommit(link.oid) {
			return platformerrors.Newf(git.CodeRefNotFound, "object not found - no match for id (%s)", link.oid)
		}
	}

	d.cache.logger.Debug("extracting submodule", "path", link.path, "url", subURL, "oid", link.oid.String())
	return db.extract(ctx, link.oid, dest, append(slices.Clone(chain), visit{url: db.canonical, oid: link.oid}))
}

// resolveSubmoduleURL resolves a .gitmodules URL. Relative URLs (./x, ../x)
// are taken relative to the superproject's remote, the way git does.
func resolveSubmoduleURL(parent, raw string) (string, error) {
	if !strings.HasPrefix(raw, "./") && !strings.HasPrefix(raw, "../") {
		return raw, nil
	}

	base, err := url.Parse(parent)
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid url `%s`", parent)
	}

	resolved := *base
	resolved.Path = path.Join(base.Path, raw)
	resolved.RawPath = ""
	return resolved.String(), nil
}
