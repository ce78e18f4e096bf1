// Package source turns locations into packages.
//
// A location is named by a SourceID, a closed variant over the kinds this
// module understands:
//
//	git+https://github.com/org/dep?branch=main#<oid>   a git repository
//	path+file:///home/me/project/vendor/dep           a local directory
//	registry+https://example.com/index                a registry (not fetched)
//
// GitSource resolves a git reference through a cache.Database, extracts the
// resolved commit and discovers every Package.toml in the checkout, so one
// repository may provide several packages. PathSource reads the single
// package in a directory.
//
// Fingerprints let a build decide whether a package must be rebuilt. A git
// package's fingerprint depends only on the resolved oid and the package's
// place in the checkout; a path package's fingerprint hashes its files.
package source
