package cache

import (
	"encoding/hex"
	"net/url"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
	"lukechampine.com/blake3"
)

// CanonicalURL normalizes a remote URL so that spellings of the same
// repository share one database.
//
// Normalization rules:
// 1. Lower-case the scheme and host
// 2. Strip trailing slashes
// 3. Strip a .git suffix
// 4. Lower-case the path on github.com, which is case-insensitive
//
// Examples:
//   - https://github.com/My/Repo.git → https://github.com/my/repo
//   - HTTPS://Example.COM/org/repo/ → https://example.com/org/repo
//   - file:///tmp/dep1 → file:///tmp/dep1
//
// scp-like addresses (git@host:path) have no scheme and are rejected.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || strings.Contains(u.Scheme, "@") {
		return "", platformerrors.Newf(platformerrors.CodeInvalidInput,
			"invalid url `%s`: relative URL without a base", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, ".git")
	if u.Host == "github.com" {
		p = strings.ToLower(p)
	}
	u.Path = p
	u.RawPath = ""

	return u.String(), nil
}

// Ident returns the directory name used for the database of a canonical
// URL: the last path segment, a dash, and 16 hex characters of its hash.
//
// Example:
//   - https://github.com/my/repo → repo-<16 hex chars>
func Ident(canonical string) string {
	name := "_empty"
	if u, err := url.Parse(canonical); err == nil {
		if i := strings.LastIndexByte(u.Path, '/'); i >= 0 && i < len(u.Path)-1 {
			name = u.Path[i+1:]
		} else if u.Path != "" && u.Path != "/" {
			name = u.Path
		}
	}

	sum := blake3.Sum256([]byte(canonical))
	return name + "-" + hex.EncodeToString(sum[:])[:16]
}
