package diffrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestRepo creates a throwaway git repo with two commits: one that adds
// foo.go, one that modifies it and adds bar.go. It returns the root path and
// the base/head commit hashes.
func newTestRepo(t *testing.T) (root, base, head string) {
	t.Helper()

	root = t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return string(out)
	}

	run("init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "foo.go"), []byte("package foo\n\nfunc A() {}\n"), 0o644,
	))
	run("add", "foo.go")
	run("commit", "-q", "-m", "add foo")

	out := exec.Command("git", "rev-parse", "HEAD")
	out.Dir = root
	baseBytes, err := out.Output()
	require.NoError(t, err)
	base = trim(string(baseBytes))

	require.NoError(t, os.WriteFile(
		filepath.Join(root, "foo.go"),
		[]byte("package foo\n\nfunc A() {}\n\nfunc B() {}\n"), 0o644,
	))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "bar.go"), []byte("package foo\n"), 0o644,
	))
	run("add", "foo.go", "bar.go")
	run("commit", "-q", "-m", "modify foo, add bar")

	out = exec.Command("git", "rev-parse", "HEAD")
	out.Dir = root
	headBytes, err := out.Output()
	require.NoError(t, err)
	head = trim(string(headBytes))

	return root, base, head
}

func trim(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestValidate(t *testing.T) {
	t.Parallel()

	root, _, _ := newTestRepo(t)

	res, err := Validate(context.Background(), root)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, "main", res.CurrentBranch)
}

func TestValidate_NotARepo(t *testing.T) {
	t.Parallel()

	res, err := Validate(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.False(t, res.Valid)
}

func TestReader_Files(t *testing.T) {
	t.Parallel()

	root, base, head := newTestRepo(t)
	r, err := NewReader(context.Background(), root)
	require.NoError(t, err)

	files, err := r.Files(context.Background(), base, head)
	require.NoError(t, err)
	require.Len(t, files, 2)

	byPath := make(map[string]FileChange)
	for _, f := range files {
		byPath[f.Path] = f
	}

	require.Equal(t, StatusModified, byPath["foo.go"].Status)
	require.Equal(t, StatusAdded, byPath["bar.go"].Status)
	require.Positive(t, byPath["foo.go"].Additions)
}

func TestReader_Diff(t *testing.T) {
	t.Parallel()

	root, base, head := newTestRepo(t)
	r, err := NewReader(context.Background(), root)
	require.NoError(t, err)

	diff, err := r.Diff(context.Background(), base, head, "foo.go")
	require.NoError(t, err)
	require.Contains(t, diff, "func B()")

	unchanged, err := r.Diff(context.Background(), base, base, "foo.go")
	require.NoError(t, err)
	require.Empty(t, unchanged)
}

func TestReader_Read(t *testing.T) {
	t.Parallel()

	root, _, head := newTestRepo(t)
	r, err := NewReader(context.Background(), root)
	require.NoError(t, err)

	lines, err := r.Read(context.Background(), head, "foo.go", 1, 2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, 1, lines[0].Number)
	require.Equal(t, "package foo", lines[0].Content)
}

func TestReader_Read_RangeInvalid(t *testing.T) {
	t.Parallel()

	root, _, head := newTestRepo(t)
	r, err := NewReader(context.Background(), root)
	require.NoError(t, err)

	_, err = r.Read(context.Background(), head, "foo.go", 5, 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "range_invalid")
}

func TestReader_PathTraversalRejected(t *testing.T) {
	t.Parallel()

	root, _, head := newTestRepo(t)
	r, err := NewReader(context.Background(), root)
	require.NoError(t, err)

	_, err = r.Read(context.Background(), head, "../../etc/passwd", 1, 1)
	require.Error(t, err)
}

func TestReader_NoSuchRef(t *testing.T) {
	t.Parallel()

	root, base, _ := newTestRepo(t)
	r, err := NewReader(context.Background(), root)
	require.NoError(t, err)

	_, err = r.Diff(context.Background(), base, "does-not-exist", "foo.go")
	require.Error(t, err)
}

func TestReader_Delta(t *testing.T) {
	t.Parallel()

	root, base, head := newTestRepo(t)
	r, err := NewReader(context.Background(), root)
	require.NoError(t, err)

	delta, err := r.Delta(context.Background(), base, head, []string{"foo.go", "bar.go"})
	require.NoError(t, err)
	require.Contains(t, delta["foo.go"], "func B()")
	require.NotEmpty(t, delta["bar.go"])
}
