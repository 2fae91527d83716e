package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/config"
)

func TestExtractReviewSummary_ParsesFencedBlock(t *testing.T) {
	t.Parallel()

	text := "Here is my review.\n\n```review_summary\n" +
		`{"summary":"three issues found, two nit-level","issue_count":3,"cost_usd":0.42,"duration_ms":15230}` +
		"\n```\n\nLet me know if you want more detail."

	got := extractReviewSummary(text)
	require.Equal(t, "three issues found, two nit-level", got.Summary)
	require.Equal(t, 3, got.IssueCount)
	require.InDelta(t, 0.42, got.CostUSD, 0.0001)
	require.Equal(t, int64(15230), got.DurationMS)
}

func TestExtractReviewSummary_NoFenceReturnsZeroValue(t *testing.T) {
	t.Parallel()

	got := extractReviewSummary("I reported my issues through the API and I'm done.")
	require.Zero(t, got)
}

func TestExtractReviewSummary_MalformedJSONReturnsZeroValue(t *testing.T) {
	t.Parallel()

	text := "```review_summary\nthis is not json\n```"
	got := extractReviewSummary(text)
	require.Zero(t, got)
}

func TestExtractReviewSummary_IgnoresUnrelatedFence(t *testing.T) {
	t.Parallel()

	text := "```json\n{\"summary\":\"wrong fence\"}\n```"
	got := extractReviewSummary(text)
	require.Zero(t, got)
}

func TestRunner_StartRejectsSecondConcurrentRunForSameModel(t *testing.T) {
	t.Parallel()

	r := New(config.DefaultRunnerConfig())

	_, err := r.Start(context.Background(), PromptBundle{ModelID: "model-a"}, "prompt")
	require.NoError(t, err)

	_, err = r.Start(context.Background(), PromptBundle{ModelID: "model-a"}, "prompt")
	require.Error(t, err)
	require.True(t, arverr.Is(err, arverr.KindState))

	r.Stop("model-a")
}

func TestRunner_StopUnknownModelReturnsNotFound(t *testing.T) {
	t.Parallel()

	r := New(config.DefaultRunnerConfig())
	err := r.Stop("nonexistent")
	require.Error(t, err)
	require.True(t, arverr.Is(err, arverr.KindNotFound))
}

func TestRunner_RuntimeUnknownModelReturnsNotFound(t *testing.T) {
	t.Parallel()

	r := New(config.DefaultRunnerConfig())
	_, err := r.Runtime("nonexistent")
	require.Error(t, err)
	require.True(t, arverr.Is(err, arverr.KindNotFound))
}

func TestRunner_CleanupForgetsRun(t *testing.T) {
	t.Parallel()

	r := New(config.DefaultRunnerConfig())

	_, err := r.Start(context.Background(), PromptBundle{ModelID: "model-b"}, "prompt")
	require.NoError(t, err)

	r.Stop("model-b")
	r.Cleanup("model-b")

	_, err = r.Runtime("model-b")
	require.Error(t, err)
	require.True(t, arverr.Is(err, arverr.KindNotFound))
}

func TestNew_ZeroMaxConcurrentIsUnbounded(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultRunnerConfig()
	cfg.MaxConcurrent = 0

	r := New(cfg)
	require.True(t, r.sem.TryAcquire(1))
	r.sem.Release(1)
}
