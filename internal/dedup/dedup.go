// Package dedup implements the Dedup Engine (C5): it collapses
// near-duplicate issues raised by different reviewers in turn 0 into one
// canonical Issue per semantic finding, relocating the rest as synthetic
// raise opinions on the canonical issue.
package dedup

import (
	"sort"
	"strings"

	"github.com/arvhq/arv/internal/domain"
)

// GroupKey computes the normalized title similarity key used to bucket
// candidate duplicates within a file: lowercase, strip punctuation to
// spaces, drop words of length <= 1, sort the first 4 remaining tokens
// alphabetically, join.
func GroupKey(file, title string) string {
	lower := strings.ToLower(title)

	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) > 1 {
			tokens = append(tokens, tok)
		}
	}

	if len(tokens) > 4 {
		tokens = tokens[:4]
	}
	sort.Strings(tokens)

	return file + "|" + strings.Join(tokens, "-")
}

// normalizedTitle returns the title lowercased with every rune other than
// a-z and 0-9 removed (spaces included), for the
// byte-identical-after-normalization merge rule.
func normalizedTitle(title string) string {
	lower := strings.ToLower(title)
	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Candidate is one raw raise to be deduped, carrying enough context to
// merge and to reconstruct a synthetic opinion for non-canonical raises.
type Candidate struct {
	Issue       domain.Issue
	RaiseOpinion domain.Opinion
}

// Result is the outcome of deduping one session's turn-0 raises.
type Result struct {
	// Canonical holds one Issue per surviving group, each carrying the
	// full opinion thread (its own raise plus synthetic raises from
	// merged reporters), in display-number order.
	Canonical []domain.Issue
}

// Engine runs the dedup algorithm against a single session's proximity
// window configuration.
type Engine struct {
	ProximityLines int
}

// New returns a dedup Engine using the given proximity window (spec
// default +/-5 lines).
func New(proximityLines int) *Engine {
	return &Engine{ProximityLines: proximityLines}
}

// group is an in-progress candidate-duplicate bucket.
type group struct {
	key        string
	candidates []Candidate
}

// Run groups, merges, and numbers candidates, in raise order (the order
// candidates arrive in the input slice, which callers must supply in
// original across-reviewer raise order). startDisplayNumber is the next
// display number to allocate (Session.NextDisplayNumber), so numbering is
// stable across repeated dedup passes within the same session.
func (e *Engine) Run(candidates []Candidate, startDisplayNumber int) Result {
	groups := e.bucket(candidates)

	canonical := make([]domain.Issue, 0, len(groups))
	nextNumber := startDisplayNumber

	for _, g := range groups {
		issue, number := e.merge(g, nextNumber)
		nextNumber = number
		canonical = append(canonical, issue)
	}

	return Result{Canonical: canonical}
}

// bucket groups candidates by file, then subdivides by overlap/proximity
// or exact-normalized-title match, preserving input (raise) order.
func (e *Engine) bucket(candidates []Candidate) []*group {
	var groups []*group

	// byFileAndKey buckets by (file, GroupKey) first -- the spec's step 1.
	type fileKey struct{ file, key string }
	byFileKey := make(map[fileKey][]int)
	order := make([]fileKey, 0)

	for i, c := range candidates {
		fk := fileKey{file: c.Issue.File, key: c.Issue.GroupKey}
		if _, ok := byFileKey[fk]; !ok {
			order = append(order, fk)
		}
		byFileKey[fk] = append(byFileKey[fk], i)
	}

	for _, fk := range order {
		idxs := byFileKey[fk]

		// Within the (file, key) bucket, split further into merge
		// groups by overlap/proximity or identical normalized title
		// (spec step 2). A simple union-find over pairs.
		parent := make(map[int]int, len(idxs))
		for _, i := range idxs {
			parent[i] = i
		}
		var find func(int) int
		find = func(i int) int {
			for parent[i] != i {
				parent[i] = parent[parent[i]]
				i = parent[i]
			}
			return i
		}
		union := func(a, b int) {
			ra, rb := find(a), find(b)
			if ra != rb {
				parent[ra] = rb
			}
		}

		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				i, j := idxs[a], idxs[b]
				if e.mergeable(candidates[i].Issue, candidates[j].Issue) {
					union(i, j)
				}
			}
		}

		sub := make(map[int][]int)
		var subOrder []int
		for _, i := range idxs {
			root := find(i)
			if _, ok := sub[root]; !ok {
				subOrder = append(subOrder, root)
			}
			sub[root] = append(sub[root], i)
		}

		for _, root := range subOrder {
			g := &group{key: fk.key}
			for _, i := range sub[root] {
				g.candidates = append(g.candidates, candidates[i])
			}
			groups = append(groups, g)
		}
	}

	return groups
}

// mergeable applies the spec's step-2 merge rule between two issues
// already known to share a (file, group_key) bucket.
func (e *Engine) mergeable(a, b domain.Issue) bool {
	if normalizedTitle(a.Title) == normalizedTitle(b.Title) {
		return true
	}
	return e.rangesOverlapOrClose(a, b)
}

func (e *Engine) rangesOverlapOrClose(a, b domain.Issue) bool {
	aStart, aEnd := lineRange(a)
	bStart, bEnd := lineRange(b)

	if aStart == 0 || bStart == 0 {
		return false
	}

	// Overlap.
	if aStart <= bEnd && bStart <= aEnd {
		return true
	}

	// Proximity window.
	gap := 0
	if aEnd < bStart {
		gap = bStart - aEnd
	} else {
		gap = aStart - bEnd
	}
	return gap <= e.ProximityLines
}

func lineRange(i domain.Issue) (start, end int) {
	if i.LineStart != nil {
		start = *i.LineStart
	}
	if i.LineEnd != nil {
		end = *i.LineEnd
	} else {
		end = start
	}
	return start, end
}

// merge selects the canonical candidate within a group and relocates the
// rest as synthetic raise opinions, assigning the next display number.
func (e *Engine) merge(g *group, nextNumber int) (domain.Issue, int) {
	canonicalIdx := 0
	for i := 1; i < len(g.candidates); i++ {
		if e.beats(g.candidates[i].Issue, g.candidates[canonicalIdx].Issue) {
			canonicalIdx = i
		}
	}

	canonical := g.candidates[canonicalIdx].Issue
	canonical.Opinions = append([]domain.Opinion{}, canonical.Opinions...)

	for i, c := range g.candidates {
		if i == canonicalIdx {
			continue
		}
		op := c.RaiseOpinion
		op.Turn = 0
		canonical.Opinions = append(canonical.Opinions, op)
	}

	canonical.DisplayNumber = nextNumber

	return canonical, nextNumber + 1
}

// beats reports whether candidate wins canonical selection over current:
// highest severity wins; tie-break on (earliest submitted_at, then
// lexicographic model ID).
func (e *Engine) beats(candidate, current domain.Issue) bool {
	if candidate.Severity.Rank() != current.Severity.Rank() {
		return candidate.Severity.Rank() > current.Severity.Rank()
	}
	if !candidate.CreatedAt.Equal(current.CreatedAt) {
		return candidate.CreatedAt.Before(current.CreatedAt)
	}
	return candidate.RaisedBy < current.RaisedBy
}
