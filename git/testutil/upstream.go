package testutil

import (
	"fmt"
	"io/fs"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/jmgilman/go/gitsource/git"
	"github.com/stretchr/testify/require"
)

const regularMode = filemode.Regular

// Upstream is an on-disk repository playing the role of a remote. Files are
// edited in its working directory and committed explicitly, so tests can
// leave edits uncommitted. Commits are written at the object level, which
// keeps submodule gitlinks under the test's control.
type Upstream struct {
	// Path is the working directory of the repository.
	Path string

	t          testing.TB
	repo       *git.Repository
	branch     string
	gitlinks   map[string]plumbing.Hash
	submodules map[string]string
	clock      int64
}

// NewUpstream initializes a repository at dir with `master` as the checked
// out branch and no commits.
//
// Example:
//
//	up := testutil.NewUpstream(t, filepath.Join(t.TempDir(), "bar"))
//	up.WriteFile("Package.toml", testutil.Manifest("bar", "0.5.0"))
//	oid := up.Commit(testutil.TestInitialCommit)
func NewUpstream(t testing.TB, dir string) *Upstream {
	t.Helper()

	repo, err := git.Init(dir, git.WithFilesystem(osfs.New("/")))
	require.NoError(t, err)

	u := &Upstream{
		Path:       dir,
		t:          t,
		repo:       repo,
		branch:     "master",
		gitlinks:   make(map[string]plumbing.Hash),
		submodules: make(map[string]string),
	}
	u.setHead()

	return u
}

// RequireGit skips the test when no git executable is installed. Fetching
// from a file:// remote runs git-upload-pack.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}
}

// URL returns the file:// URL of the repository.
func (u *Upstream) URL() string {
	return "file://" + filepath.ToSlash(u.Path)
}

// WriteFile writes content to rel inside the working directory without
// committing it.
func (u *Upstream) WriteFile(rel, content string) {
	u.t.Helper()

	path := filepath.Join(u.Path, filepath.FromSlash(rel))
	require.NoError(u.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(u.t, os.WriteFile(path, []byte(content), 0o644))
}

// RemoveFile deletes rel from the working directory without committing.
func (u *Upstream) RemoveFile(rel string) {
	u.t.Helper()
	require.NoError(u.t, os.RemoveAll(filepath.Join(u.Path, filepath.FromSlash(rel))))
}

// AddSubmodule records a submodule at path pointing at target in url. The
// change is part of the next commit.
func (u *Upstream) AddSubmodule(path, url string, target plumbing.Hash) {
	u.t.Helper()

	u.submodules[path] = url
	u.gitlinks[path] = target

	paths := make([]string, 0, len(u.submodules))
	for p := range u.submodules {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "[submodule %q]\n\tpath = %s\n\turl = %s\n", p, p, u.submodules[p])
	}
	u.WriteFile(".gitmodules", b.String())
}

// SetGitlink moves an existing submodule to a new target commit.
func (u *Upstream) SetGitlink(path string, target plumbing.Hash) {
	u.t.Helper()
	require.Contains(u.t, u.gitlinks, path)
	u.gitlinks[path] = target
}

// Commit snapshots the working directory onto the current branch and
// returns the new commit.
func (u *Upstream) Commit(message string) plumbing.Hash {
	u.t.Helper()

	var parents []plumbing.Hash
	if tip, ok := u.tip(); ok {
		parents = append(parents, tip)
	}
	return u.commit(message, parents)
}

// Amend replaces the tip of the current branch with a new commit sharing
// its parents, rewriting history the way a force-push does.
func (u *Upstream) Amend(message string) plumbing.Hash {
	u.t.Helper()

	tip, ok := u.tip()
	require.True(u.t, ok, "amend requires an existing commit")

	commit, err := u.repo.CommitObject(tip)
	require.NoError(u.t, err)

	return u.commit(message, commit.ParentHashes)
}

// Head returns the tip of the current branch.
func (u *Upstream) Head() plumbing.Hash {
	u.t.Helper()

	tip, ok := u.tip()
	require.True(u.t, ok, "branch %s has no commits", u.branch)
	return tip
}

// Branch creates a branch at the current tip without switching to it.
func (u *Upstream) Branch(name string) {
	u.t.Helper()
	require.NoError(u.t, u.repo.SetReference(plumbing.NewBranchReferenceName(name), u.Head()))
}

// SwitchBranch makes name the current branch. The working directory is left
// untouched; the next commit on a new branch starts from the previous tip.
func (u *Upstream) SwitchBranch(name string) {
	u.t.Helper()

	if _, err := u.repo.Underlying().Reference(plumbing.NewBranchReferenceName(name), false); err != nil {
		u.Branch(name)
	}
	u.branch = name
	u.setHead()
}

// Tag creates a lightweight tag at the current tip.
func (u *Upstream) Tag(name string) {
	u.t.Helper()
	require.NoError(u.t, u.repo.SetReference(plumbing.NewTagReferenceName(name), u.Head()))
}

// AnnotatedTag creates an annotated tag object at the current tip.
func (u *Upstream) AnnotatedTag(name, message string) {
	u.t.Helper()

	s := u.repo.Underlying().Storer
	tag := &object.Tag{
		Name:       name,
		Tagger:     u.signature(),
		Message:    message,
		TargetType: plumbing.CommitObject,
		Target:     u.Head(),
	}
	obj := s.NewEncodedObject()
	require.NoError(u.t, tag.Encode(obj))
	hash, err := s.SetEncodedObject(obj)
	require.NoError(u.t, err)
	require.NoError(u.t, u.repo.SetReference(plumbing.NewTagReferenceName(name), hash))
}

func (u *Upstream) tip() (plumbing.Hash, bool) {
	ref, err := u.repo.Underlying().Reference(plumbing.NewBranchReferenceName(u.branch), false)
	if err != nil {
		return plumbing.ZeroHash, false
	}
	return ref.Hash(), true
}

func (u *Upstream) setHead() {
	u.t.Helper()

	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(u.branch))
	require.NoError(u.t, u.repo.Underlying().Storer.SetReference(head))
}

func (u *Upstream) signature() object.Signature {
	u.clock++
	return object.Signature{
		Name:  TestAuthor,
		Email: TestEmail,
		When:  time.Unix(1577836800+u.clock, 0).UTC(),
	}
}

func (u *Upstream) commit(message string, parents []plumbing.Hash) plumbing.Hash {
	u.t.Helper()

	s := u.repo.Underlying().Storer
	files, err := u.snapshot(s)
	require.NoError(u.t, err)

	tree, err := storeTree(s, files)
	require.NoError(u.t, err)

	sig := u.signature()
	hash, err := storeCommit(s, &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	})
	require.NoError(u.t, err)

	require.NoError(u.t, u.repo.SetReference(plumbing.NewBranchReferenceName(u.branch), hash))
	return hash
}

// snapshot stores every file of the working directory as a blob and returns
// the flat path -> entry map, gitlinks included.
func (u *Upstream) snapshot(s storer.EncodedObjectStorer) (map[string]treeNode, error) {
	files := make(map[string]treeNode)

	err := filepath.WalkDir(u.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(u.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == ".git" {
			return filepath.SkipDir
		}
		if _, ok := u.gitlinks[rel]; ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		var content []byte
		mode := regularMode
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			content = []byte(target)
			mode = filemode.Symlink
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Mode()&0o111 != 0 {
				mode = filemode.Executable
			}
			if content, err = os.ReadFile(path); err != nil {
				return err
			}
		}

		blob, err := storeBlob(s, content)
		if err != nil {
			return err
		}
		files[rel] = treeNode{blob: blob, mode: mode}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for path, target := range u.gitlinks {
		files[path] = treeNode{blob: target, mode: filemode.Submodule}
	}

	return files, nil
}

type treeNode struct {
	blob plumbing.Hash
	mode filemode.FileMode
}

func storeBlob(s storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}

// storeTree writes the nested trees for a flat path -> entry map and returns
// the root tree hash. Entries are ordered the way git orders them:
// directories compare as if their name ended in a slash.
func storeTree(s storer.EncodedObjectStorer, files map[string]treeNode) (plumbing.Hash, error) {
	var entries []object.TreeEntry
	subdirs := make(map[string]map[string]treeNode)

	for path, node := range files {
		if i := strings.IndexByte(path, '/'); i >= 0 {
			dir := path[:i]
			if subdirs[dir] == nil {
				subdirs[dir] = make(map[string]treeNode)
			}
			subdirs[dir][path[i+1:]] = node
			continue
		}
		entries = append(entries, object.TreeEntry{Name: path, Mode: node.mode, Hash: node.blob})
	}

	for dir, children := range subdirs {
		hash, err := storeTree(s, children)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: dir, Mode: filemode.Dir, Hash: hash})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entrySortKey(entries[i]) < entrySortKey(entries[j])
	})

	obj := s.NewEncodedObject()
	if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}

func entrySortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func storeCommit(s storer.EncodedObjectStorer, commit *object.Commit) (plumbing.Hash, error) {
	obj := s.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}
