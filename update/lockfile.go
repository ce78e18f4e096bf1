package update

import (
	"bytes"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/jmgilman/go/gitsource/source"
)

// LockfileName is the name of the lockfile next to the root manifest.
const LockfileName = "Package.lock"

const (
	lockfileVersion = 1
	lockfileHeader  = "# This file is automatically generated by gitdeps.\n# It is not intended for manual editing.\n"
)

// Lockfile records the exact packages of a resolve.
//
//	version = 1
//
//	[[package]]
//	name = "bar"
//	version = "0.5.0"
//	source = "git+https://github.com/org/bar?branch=main#<oid>"
//
//	[[package]]
//	name = "foo"
//	version = "0.1.0"
//	dependencies = ["bar 0.5.0 (git+https://github.com/org/bar?branch=main#<oid>)"]
type Lockfile struct {
	Version  int             `toml:"version"`
	Packages []LockedPackage `toml:"package"`
}

// LockedPackage is one package of a lockfile. Path packages have no source.
type LockedPackage struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source,omitempty"`
	Dependencies []string `toml:"dependencies,omitempty"`
}

// SourceID parses the package's source. Path packages yield the zero
// path identifier, as the lockfile does not record their location.
func (p LockedPackage) SourceID() (source.SourceID, error) {
	if p.Source == "" {
		return source.SourceID{}, nil
	}
	return source.ParseSourceID(p.Source)
}

// LockString returns the form other packages use to refer to p.
func (p LockedPackage) LockString() string {
	if p.Source == "" {
		return p.Name + " " + p.Version
	}
	return p.Name + " " + p.Version + " (" + p.Source + ")"
}

// LoadLockfile reads the lockfile at path. A missing file yields nil and no
// error.
func LoadLockfile(fs billy.Filesystem, path string) (*Lockfile, error) {
	data, err := util.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to read `%s`", path)
	}

	var lock Lockfile
	if err := toml.Unmarshal(data, &lock); err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "failed to parse lock file at `%s`", path)
	}
	if lock.Version != lockfileVersion {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig,
			"lock file at `%s` has unsupported version %d", path, lock.Version)
	}

	for _, pkg := range lock.Packages {
		if _, err := pkg.SourceID(); err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "failed to parse lock file at `%s`", path)
		}
	}

	return &lock, nil
}

// Encode renders the lockfile. Packages and dependency lists are sorted so
// equal resolves produce identical bytes.
func (l *Lockfile) Encode() ([]byte, error) {
	out := Lockfile{Version: lockfileVersion, Packages: make([]LockedPackage, len(l.Packages))}
	for i, pkg := range l.Packages {
		pkg.Dependencies = append([]string(nil), pkg.Dependencies...)
		sort.Strings(pkg.Dependencies)
		out.Packages[i] = pkg
	}
	sort.Slice(out.Packages, func(i, j int) bool {
		a, b := out.Packages[i], out.Packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Source < b.Source
	})

	body, err := toml.Marshal(out)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to encode lock file")
	}

	var buf bytes.Buffer
	buf.WriteString(lockfileHeader)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Save writes the lockfile to path unless the file already holds the same
// content. It reports whether the file was written.
func (l *Lockfile) Save(fs billy.Filesystem, path string) (bool, error) {
	data, err := l.Encode()
	if err != nil {
		return false, err
	}

	if existing, err := util.ReadFile(fs, path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}

	if err := util.WriteFile(fs, path, data, 0o644); err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeInternal, "failed to write `%s`", path)
	}
	return true, nil
}

// Pins returns the locked oid of every git source, keyed by source key.
func (l *Lockfile) Pins() map[string]string {
	pins := make(map[string]string)
	if l == nil {
		return pins
	}
	for _, pkg := range l.Packages {
		id, err := pkg.SourceID()
		if err != nil || !id.IsGit() || id.Precise() == "" {
			continue
		}
		pins[id.Key()] = id.Precise()
	}
	return pins
}

// find returns the package with the given lock string.
func (l *Lockfile) find(lockString string) (LockedPackage, bool) {
	for _, pkg := range l.Packages {
		if pkg.LockString() == lockString {
			return pkg, true
		}
	}
	return LockedPackage{}, false
}
