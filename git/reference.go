package git

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	platformerrors "github.com/jmgilman/go/errors"
)

// ReferenceKind identifies which variant a Reference holds.
type ReferenceKind int

const (
	// DefaultBranch follows whatever the remote HEAD points at.
	DefaultBranch ReferenceKind = iota
	// Branch follows the tip of a named branch.
	Branch
	// Tag follows a named tag.
	Tag
	// Rev names an explicit revision: a full or abbreviated oid, or any
	// ref name the remote advertises.
	Rev
)

// Reference is a named pointer to a revision in a remote repository.
// Values are comparable; two references are equal when kind and name match.
type Reference struct {
	Kind ReferenceKind
	Name string
}

// DefaultBranchRef returns the reference to the remote's default branch.
func DefaultBranchRef() Reference {
	return Reference{Kind: DefaultBranch}
}

// BranchRef returns a reference to the named branch.
func BranchRef(name string) Reference {
	return Reference{Kind: Branch, Name: name}
}

// TagRef returns a reference to the named tag.
func TagRef(name string) Reference {
	return Reference{Kind: Tag, Name: name}
}

// RevRef returns a reference to an explicit revision.
func RevRef(rev string) Reference {
	return Reference{Kind: Rev, Name: rev}
}

// ParseReferenceQuery builds a Reference from a `key=value` pair as found in
// a source identifier query. An empty key yields the default branch.
func ParseReferenceQuery(key, value string) (Reference, error) {
	switch key {
	case "":
		return DefaultBranchRef(), nil
	case "branch":
		return BranchRef(value), nil
	case "tag":
		return TagRef(value), nil
	case "rev":
		return RevRef(value), nil
	default:
		return Reference{}, platformerrors.Newf(platformerrors.CodeInvalidInput, "unsupported git reference kind `%s`", key)
	}
}

// Query returns the `key=value` form used in source identifiers, or the
// empty string for the default branch.
func (r Reference) Query() string {
	switch r.Kind {
	case Branch:
		return "branch=" + r.Name
	case Tag:
		return "tag=" + r.Name
	case Rev:
		return "rev=" + r.Name
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (r Reference) String() string {
	switch r.Kind {
	case Branch:
		return fmt.Sprintf("branch `%s`", r.Name)
	case Tag:
		return fmt.Sprintf("tag `%s`", r.Name)
	case Rev:
		return fmt.Sprintf("revision `%s`", r.Name)
	default:
		return "default branch"
	}
}

// LocalName returns the ref under which the database stores this reference.
// Rev has no single local ref and returns the empty name.
func (r Reference) LocalName() plumbing.ReferenceName {
	switch r.Kind {
	case Branch:
		return plumbing.NewRemoteReferenceName(DefaultRemote, r.Name)
	case Tag:
		return plumbing.NewTagReferenceName(r.Name)
	case DefaultBranch:
		return plumbing.ReferenceName("refs/remotes/" + DefaultRemote + "/HEAD")
	default:
		return ""
	}
}

// RefSpecs returns the refspecs that make this reference resolvable in a
// bare database. An explicit revision may live on any branch or tag, so Rev
// fetches every head and tag along with the remote HEAD.
func (r Reference) RefSpecs() []string {
	remoteHeads := "refs/remotes/" + DefaultRemote + "/"
	switch r.Kind {
	case Branch:
		return []string{"refs/heads/" + r.Name + ":" + remoteHeads + r.Name}
	case Tag:
		return []string{"refs/tags/" + r.Name + ":refs/tags/" + r.Name}
	case DefaultBranch:
		return []string{"HEAD:" + remoteHeads + "HEAD"}
	default:
		specs := []string{
			"HEAD:" + remoteHeads + "HEAD",
			"refs/heads/*:" + remoteHeads + "*",
			"refs/tags/*:refs/tags/*",
		}
		// Refs outside heads and tags, e.g. refs/pull/1/head, are only
		// advertised when asked for by name.
		if strings.HasPrefix(r.Name, "refs/") && !strings.HasPrefix(r.Name, "refs/heads/") && !strings.HasPrefix(r.Name, "refs/tags/") {
			specs = append(specs, r.Name+":"+r.Name)
		}
		return specs
	}
}
