package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arvhq/arv/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestIndex_IssueInsertionOrderSurvivesOutOfOrderFileListing(t *testing.T) {
	t.Parallel()

	idx, err := OpenIndex(IndexConfig{DatabaseFileName: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()

	// Register in reverse-alphabetical order; the index must preserve the
	// order of RecordIssue calls, not filesystem name order.
	require.NoError(t, idx.RecordIssue(ctx, "s1", &domain.Issue{ID: "zzz", CreatedAt: time.Now()}))
	require.NoError(t, idx.RecordIssue(ctx, "s1", &domain.Issue{ID: "aaa", CreatedAt: time.Now()}))

	ids, err := idx.IssueIDsByInsertionOrder(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"zzz", "aaa"}, ids)
}

func TestIndex_RecordIssueIsIdempotentOnSeq(t *testing.T) {
	t.Parallel()

	idx, err := OpenIndex(IndexConfig{DatabaseFileName: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()

	require.NoError(t, idx.RecordIssue(ctx, "s1", &domain.Issue{ID: "a", DisplayNumber: 1}))
	require.NoError(t, idx.RecordIssue(ctx, "s1", &domain.Issue{ID: "b", DisplayNumber: 2}))
	// Re-recording "a" (e.g. after a display-number update) must not move
	// its position.
	require.NoError(t, idx.RecordIssue(ctx, "s1", &domain.Issue{ID: "a", DisplayNumber: 1}))

	ids, err := idx.IssueIDsByInsertionOrder(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestIndex_ReviewsOrderedByTurnThenSubmittedAt(t *testing.T) {
	t.Parallel()

	idx, err := OpenIndex(IndexConfig{DatabaseFileName: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.RecordReview(ctx, "s1", domain.Review{ModelID: "m2", Turn: 1, SubmittedAt: now}))
	require.NoError(t, idx.RecordReview(ctx, "s1", domain.Review{ModelID: "m1", Turn: 0, SubmittedAt: now.Add(time.Hour)}))

	keys, err := idx.ReviewKeysOrdered(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "m1", keys[0][0], "turn 0 sorts before turn 1 regardless of submitted_at")
}

func TestIndex_RebuildFromFileStore(t *testing.T) {
	t.Parallel()

	fs, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.PutSession(&domain.Session{ID: "s1"}))
	require.NoError(t, fs.PutIssue("s1", &domain.Issue{ID: "i1", DisplayNumber: 1}))
	require.NoError(t, fs.PutReview("s1", domain.Review{ModelID: "m1", Turn: 0, SubmittedAt: time.Now()}))

	idx, err := OpenIndex(IndexConfig{DatabaseFileName: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Rebuild(context.Background(), fs))

	ids, err := idx.IssueIDsByInsertionOrder(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"i1"}, ids)
}
