package testutil

import (
	"fmt"
	"strings"
)

// Test user information used across all test helpers.
const (
	// TestAuthor is the default author name for test commits.
	TestAuthor = "Test User"

	// TestEmail is the default email for test commits.
	TestEmail = "test@example.com"
)

// Test commit messages.
const (
	// TestInitialCommit is a message for initial commits.
	TestInitialCommit = "Initial commit"

	// TestFeatureCommit is a message for follow-up commits.
	TestFeatureCommit = "Add new feature"
)

// ManifestName is the package manifest file name used by upstream fixtures.
const ManifestName = "Package.toml"

// Manifest renders a package manifest. Each dependency line is placed
// verbatim under [dependencies], e.g. `bar = { path = "bar" }`.
//
// Example:
//
//	up.WriteFile("Package.toml", testutil.Manifest("foo", "0.5.0",
//	    `bar = { git = "`+barURL+`" }`))
func Manifest(name, version string, deps ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[package]\nname = %q\nversion = %q\n", name, version)
	if len(deps) > 0 {
		b.WriteString("\n[dependencies]\n")
		for _, dep := range deps {
			b.WriteString(dep)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// LibSource renders a tiny source file whose content identifies a revision.
func LibSource(value int) string {
	return fmt.Sprintf("pub fn lib() -> i32 { %d }\n", value)
}
