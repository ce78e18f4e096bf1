package source

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"
	"lukechampine.com/blake3"
)

// PathSource serves the single package rooted at a local directory.
type PathSource struct {
	id   SourceID
	fs   billy.Filesystem
	opts *options

	mu  sync.Mutex
	pkg *Package
}

var _ Source = (*PathSource)(nil)

// NewPathSource returns a source for the directory named by id.
func NewPathSource(id SourceID, opts ...Option) (*PathSource, error) {
	if id.Kind() != KindPath {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "`%s` is not a path source", id)
	}
	return &PathSource{id: id, fs: osfs.New("/"), opts: newOptions(opts)}, nil
}

// ID returns the source identifier.
func (s *PathSource) ID() SourceID {
	return s.id
}

// Dir returns the directory of the package.
func (s *PathSource) Dir() string {
	return s.id.URL()
}

// Update reads the package manifest. It never touches the network.
func (s *PathSource) Update(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.id.URL(), ManifestName)
	manifest, err := ReadManifest(s.fs, path)
	if err != nil {
		return err
	}

	s.pkg = &Package{
		ID:           PackageID{Name: manifest.Name, Version: manifest.Version, Source: s.id},
		Manifest:     manifest,
		ManifestPath: path,
	}
	return nil
}

// Packages returns the package, or nothing before Update.
func (s *PathSource) Packages() []*Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pkg == nil {
		return nil
	}
	return []*Package{s.pkg}
}

// Query returns the package if it is named name.
func (s *PathSource) Query(name string) (*Package, error) {
	return query(s.Packages(), name, s.id.URL())
}

// Describe returns `<name> v<version> (<dir>)`.
func (s *PathSource) Describe(id PackageID) string {
	return id.String()
}

// Fingerprint hashes the path and content of every file of the package.
// Build output (`target`) and hidden directories are ignored.
func (s *PathSource) Fingerprint(pkg *Package) (string, error) {
	root := pkg.Root()

	var files []string
	err := util.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && skipDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to fingerprint `%s`", root)
	}
	sort.Strings(files)

	h := blake3.New(32, nil)
	for _, path := range files {
		rel, _ := filepath.Rel(root, path)
		_, _ = io.WriteString(h, filepath.ToSlash(rel)+"\x00")

		if err := hashFile(s.fs, path, h); err != nil {
			return "", platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to fingerprint `%s`", path)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(fs billy.Filesystem, path string, w io.Writer) error {
	info, err := fs.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := fs.Readlink(path)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "link:"+target+"\x00")
		return err
	}

	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}
