// Package diffrepo is a read-only facade over a git working tree: branch
// resolution, file-list/diff computation, and ranged reads against HEAD. It
// shells out to the git CLI the same way the teacher's send-diff command
// does, rather than linking a pure-Go git implementation the corpus never
// imports.
package diffrepo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/arvhq/arv/internal/arverr"
)

// BranchKind distinguishes local from remote-tracking branches.
type BranchKind string

const (
	BranchLocal  BranchKind = "local"
	BranchRemote BranchKind = "remote"
)

// Branch describes one ref reported by Branches.
type Branch struct {
	Name string     `json:"name"`
	Type BranchKind `json:"type"`
}

// FileStatus classifies a changed file between two revisions.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
	StatusRenamed  FileStatus = "renamed"
)

// FileChange is one entry of the ordered file list returned by Files.
type FileChange struct {
	Path      string     `json:"path"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// Line is one (number, content) pair returned by Read.
type Line struct {
	Number  int    `json:"number"`
	Content string `json:"content"`
}

// ValidateResult is the outcome of Validate.
type ValidateResult struct {
	Valid         bool   `json:"valid"`
	Root          string `json:"root"`
	CurrentBranch string `json:"current_branch"`
}

// Reader is a read-only facade over a single working tree rooted at Root.
// All operations are stateless and safe for concurrent use; none of them
// mutate the tree.
type Reader struct {
	root string
}

// NewReader resolves path to its repository root and returns a Reader
// scoped to it. It fails with a KindRepo arverr if path is not inside a git
// working tree.
func NewReader(ctx context.Context, path string) (*Reader, error) {
	res, err := Validate(ctx, path)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, arverr.New(arverr.KindRepo, "not_a_repo").
			WithContext("path", path)
	}
	return &Reader{root: res.Root}, nil
}

// Root returns the resolved repository root.
func (r *Reader) Root() string { return r.root }

// Validate reports whether path is inside a git working tree, and if so its
// root and current branch.
func Validate(ctx context.Context, path string) (ValidateResult, error) {
	root, err := runGit(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return ValidateResult{}, nil
	}
	root = strings.TrimSpace(root)

	branch, err := runGit(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		branch = ""
	}

	return ValidateResult{
		Valid:         true,
		Root:          root,
		CurrentBranch: strings.TrimSpace(branch),
	}, nil
}

// Branches lists local and remote-tracking branches.
func (r *Reader) Branches(ctx context.Context) ([]Branch, error) {
	out, err := runGit(
		ctx, r.root, "for-each-ref",
		"--format=%(refname:short)\t%(refname)",
		"refs/heads", "refs/remotes",
	)
	if err != nil {
		return nil, arverr.Wrap(arverr.KindRepo, err, "list refs")
	}

	var branches []Branch
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		short, full := parts[0], parts[1]
		kind := BranchLocal
		if strings.HasPrefix(full, "refs/remotes/") {
			kind = BranchRemote
		}
		branches = append(branches, Branch{Name: short, Type: kind})
	}

	return branches, nil
}

// Files returns the ordered, per-file status list between base and head.
func (r *Reader) Files(
	ctx context.Context, base, head string,
) ([]FileChange, error) {

	if err := r.checkRefs(ctx, base, head); err != nil {
		return nil, err
	}

	nameStatus, err := runGit(
		ctx, r.root, "diff", "--name-status", "-M",
		base+"..."+head,
	)
	if err != nil {
		return nil, arverr.Wrap(arverr.KindRepo, err, "diff name-status")
	}

	numstat, err := runGit(
		ctx, r.root, "diff", "--numstat", "-M", base+"..."+head,
	)
	if err != nil {
		return nil, arverr.Wrap(arverr.KindRepo, err, "diff numstat")
	}

	counts := parseNumstat(numstat)

	var files []FileChange
	sc := bufio.NewScanner(strings.NewReader(nameStatus))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		code, path := fields[0], fields[len(fields)-1]

		var status FileStatus
		switch code[0] {
		case 'A':
			status = StatusAdded
		case 'D':
			status = StatusDeleted
		case 'R':
			status = StatusRenamed
		default:
			status = StatusModified
		}

		add, del := counts[path].adds, counts[path].dels
		files = append(files, FileChange{
			Path:      path,
			Status:    status,
			Additions: add,
			Deletions: del,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return files, nil
}

type numstatCount struct{ adds, dels int }

func parseNumstat(out string) map[string]numstatCount {
	counts := make(map[string]numstatCount)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		adds, _ := strconv.Atoi(fields[0])
		dels, _ := strconv.Atoi(fields[1])
		path := fields[2]
		counts[path] = numstatCount{adds: adds, dels: dels}
	}
	return counts
}

// Diff returns the unified diff text for a single file between base and
// head, or the empty string if the file is unchanged.
func (r *Reader) Diff(ctx context.Context, base, head, path string) (string, error) {
	if err := r.checkRefs(ctx, base, head); err != nil {
		return "", err
	}
	if err := r.checkPath(path); err != nil {
		return "", err
	}

	out, err := runGit(
		ctx, r.root, "diff", base+"..."+head, "--", path,
	)
	if err != nil {
		return "", arverr.Wrap(arverr.KindRepo, err, "diff file")
	}

	return out, nil
}

// Delta returns a file-scoped delta diff between two revisions for the
// given paths, used by the verification step (§4.7) to show a raiser what
// changed since their issue was raised.
func (r *Reader) Delta(
	ctx context.Context, prevHead, newHead string, paths []string,
) (map[string]string, error) {

	if err := r.checkRefs(ctx, prevHead, newHead); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(paths))
	for _, p := range paths {
		d, err := r.Diff(ctx, prevHead, newHead, p)
		if err != nil {
			return nil, err
		}
		out[p] = d
	}

	return out, nil
}

// Read returns the inclusive line range [start, end] of path at head.
func (r *Reader) Read(
	ctx context.Context, head, path string, start, end int,
) ([]Line, error) {

	if start < 1 || end < start {
		return nil, arverr.New(arverr.KindRepo, "range_invalid").
			WithContext("start", start).WithContext("end", end)
	}
	if err := r.checkPath(path); err != nil {
		return nil, err
	}
	if err := r.checkRef(ctx, head); err != nil {
		return nil, err
	}

	content, err := runGitBytes(ctx, r.root, "show", head+":"+path)
	if err != nil {
		return nil, arverr.New(arverr.KindRepo, "no_such_path").
			WithContext("path", path)
	}

	var lines []Line
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		if n < start {
			continue
		}
		if n > end {
			break
		}
		lines = append(lines, Line{Number: n, Content: sc.Text()})
	}

	return lines, nil
}

// checkPath rejects paths outside the repo root after normalization,
// guarding against traversal via "../".
func (r *Reader) checkPath(path string) error {
	if filepath.IsAbs(path) {
		return arverr.New(arverr.KindRepo, "no_such_path").
			WithContext("path", path)
	}
	clean := filepath.Clean(filepath.Join(r.root, path))
	rel, err := filepath.Rel(r.root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return arverr.New(arverr.KindRepo, "no_such_path").
			WithContext("path", path)
	}
	return nil
}

func (r *Reader) checkRef(ctx context.Context, ref string) error {
	_, err := runGit(ctx, r.root, "rev-parse", "--verify", ref)
	if err != nil {
		return arverr.New(arverr.KindRepo, "no_such_ref").
			WithContext("ref", ref)
	}
	return nil
}

func (r *Reader) checkRefs(ctx context.Context, a, b string) error {
	if err := r.checkRef(ctx, a); err != nil {
		return err
	}
	return r.checkRef(ctx, b)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runGitBytes(ctx, dir, args...)
	return string(out), err
}

func runGitBytes(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, stderr.String())
	}

	return stdout.Bytes(), nil
}
