package source

import (
	"context"
	"log/slog"
	"path/filepath"
)

// Package is a manifest found in a source together with its identity.
type Package struct {
	ID       PackageID
	Manifest *Manifest
	// ManifestPath is the absolute path of the package's Package.toml.
	ManifestPath string
}

// Root returns the directory holding the package's manifest.
func (p *Package) Root() string {
	return filepath.Dir(p.ManifestPath)
}

// Source is a location packages are loaded from. Implementations are
// GitSource and PathSource.
//
// Update must be called before any other method returns packages. It is the
// only method that may touch the network.
type Source interface {
	// ID returns the identifier of the source. After Update, a git
	// source's identifier carries the resolved oid.
	ID() SourceID

	// Update makes the source's packages available locally.
	Update(ctx context.Context) error

	// Packages returns every package the source provides, sorted by name.
	Packages() []*Package

	// Query returns the package named name.
	Query(name string) (*Package, error)

	// Describe returns the display form of a package of this source.
	Describe(id PackageID) string

	// Fingerprint returns a value that changes whenever the package's
	// content may have changed.
	Fingerprint(pkg *Package) (string, error)
}

// Option configures a source.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for discovery diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}
