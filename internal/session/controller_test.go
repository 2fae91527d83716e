package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/config"
	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/identity"
	"github.com/arvhq/arv/internal/runner"
	"github.com/arvhq/arv/internal/store"
)

// newTestRepo creates a throwaway git repo with two commits and returns its
// root path plus the base/head commit hashes.
func newTestRepo(t *testing.T) (root, base, head string) {
	t.Helper()

	root = t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	rev := func() string {
		cmd := exec.Command("git", "rev-parse", "HEAD")
		cmd.Dir = root
		out, err := cmd.Output()
		require.NoError(t, err)
		s := string(out)
		for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
			s = s[:len(s)-1]
		}
		return s
	}

	run("init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "foo.go"), []byte("package foo\n\nfunc A() {}\n"), 0o644,
	))
	run("add", "foo.go")
	run("commit", "-q", "-m", "add foo")
	base = rev()

	require.NoError(t, os.WriteFile(
		filepath.Join(root, "foo.go"),
		[]byte("package foo\n\nfunc A() {}\n\nfunc B() {}\n"), 0o644,
	))
	run("add", "foo.go")
	run("commit", "-q", "-m", "modify foo")
	head = rev()

	return root, base, head
}

func newTestController(t *testing.T) *Controller {
	t.Helper()

	root := t.TempDir()
	fs, err := store.New(root)
	require.NoError(t, err)

	idx, err := store.OpenIndex(store.IndexConfig{
		DatabaseFileName: filepath.Join(root, "index.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	tokens := identity.NewRegistry()
	runs := runner.New(config.DefaultRunnerConfig())

	cfg := &config.Config{
		StorageRoot: root,
		Runner:      config.DefaultRunnerConfig(),
		Dedup:       config.DefaultDedupConfig(),
		Consensus:   config.DefaultConsensusConfig(),
		Verify:      config.DefaultVerifyConfig(),
		ConnTester:  config.DefaultConnTesterConfig(),
	}

	return New(fs, idx, tokens, runs, nil, cfg)
}

func twoAgentSession(root, base, head string) CreateRequest {
	return CreateRequest{
		RepoPath: root,
		BaseRev:  base,
		HeadRev:  head,
		Agents: []domain.Agent{
			{ModelID: "agentA", ClientKind: domain.ClientClaudeCode, Strictness: domain.StrictnessStrict, Enabled: true},
			{ModelID: "agentB", ClientKind: domain.ClientClaudeCode, Strictness: domain.StrictnessStrict, Enabled: true},
		},
	}
}

func TestCreateSession_RequiresRepoAndRevs(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	_, err := c.CreateSession(context.Background(), CreateRequest{})
	require.Error(t, err)
	require.Equal(t, "validation", string(arverr.KindOf(err)))
}

func TestCreateSession_ValidRepoAndRevs(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	root, base, head := newTestRepo(t)

	sess, err := c.CreateSession(context.Background(), twoAgentSession(root, base, head))
	require.NoError(t, err)
	require.Equal(t, domain.PhaseIdle, sess.Phase)
	require.Len(t, sess.ID, 12)
	require.Equal(t, 1, sess.NextDisplayNumber)
}

func TestStart_NoEnabledAgents_AdvancesToDeliberating(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	root, base, head := newTestRepo(t)

	sess, err := c.CreateSession(context.Background(), CreateRequest{
		RepoPath: root, BaseRev: base, HeadRev: head,
	})
	require.NoError(t, err)

	started, err := c.Start(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseDeliberating, started.Phase)
}

func TestStart_TwiceFailsWithStateError(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	root, base, head := newTestRepo(t)

	sess, err := c.CreateSession(context.Background(), CreateRequest{
		RepoPath: root, BaseRev: base, HeadRev: head,
	})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), sess.ID)
	require.NoError(t, err)

	_, err = c.Start(context.Background(), sess.ID)
	require.Error(t, err)
	require.Equal(t, "state", string(arverr.KindOf(err)))
}

func TestReportIssue_RejectedBeforeStart(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	root, base, head := newTestRepo(t)

	sess, err := c.CreateSession(context.Background(), twoAgentSession(root, base, head))
	require.NoError(t, err)

	_, err = c.ReportIssue(context.Background(), sess.ID, ReportRequest{ModelID: "agentA", Token: "bogus"})
	require.Error(t, err)
	require.Equal(t, "state", string(arverr.KindOf(err)))
}

// startedSession creates a two-agent session and starts it; since one
// reviewer's runner is left in "reviewing" until its (never-completing, in
// this test environment) subprocess terminates, the session stays in
// "reviewing" synchronously after Start returns.
func startedSession(t *testing.T, c *Controller) (*domain.Session, map[string]string) {
	t.Helper()

	root, base, head := newTestRepo(t)
	sess, err := c.CreateSession(context.Background(), twoAgentSession(root, base, head))
	require.NoError(t, err)

	started, err := c.Start(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseReviewing, started.Phase)

	tokens, err := c.fs.GetTokens(sess.ID)
	require.NoError(t, err)

	return started, tokens
}

func TestReportIssue_NormalizesReversedLineRange(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	start, end := 10, 4
	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"],
		Title: "bug", File: "foo.go", LineStart: &start, LineEnd: &end,
	})
	require.NoError(t, err)
	require.Equal(t, 4, *issue.LineStart)
	require.Equal(t, 10, *issue.LineEnd)
	require.Equal(t, domain.ProgressReported, issue.ProgressStatus)
}

func TestSubmitOpinion_OnlyRaiserMayWithdraw(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentB", Token: tokens["agentB"], Action: domain.OpinionWithdraw,
	})
	require.Error(t, err)
	require.Equal(t, "validation", string(arverr.KindOf(err)))

	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentA", Token: tokens["agentA"], Action: domain.OpinionWithdraw,
	})
	require.NoError(t, err)
}

func TestSubmitOpinion_RaiserCannotFlagOwnIssueFalsePositive(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentA", Token: tokens["agentA"], Action: domain.OpinionFalsePositive,
	})
	require.Error(t, err)
	require.Equal(t, "validation", string(arverr.KindOf(err)))
}

func TestSubmitOpinion_RejectedOnClosedIssue(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentA", Token: tokens["agentA"], Action: domain.OpinionWithdraw,
	})
	require.NoError(t, err)

	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentB", Token: tokens["agentB"], Action: domain.OpinionFixRequired,
	})
	require.Error(t, err)
	require.Equal(t, "state", string(arverr.KindOf(err)))
}

func TestSubmitOpinion_SingleNonRaiserVoteDecidesByDeadlockBypass(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug",
		Severity: domain.SeverityHigh, File: "foo.go",
	})
	require.NoError(t, err)

	updated, err := c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentB", Token: tokens["agentB"],
		Action: domain.OpinionFixRequired, SuggestedSeverity: domain.SeverityHigh,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Consensus)
	require.True(t, *updated.Consensus)
	require.Equal(t, domain.ConsensusFixRequired, updated.ConsensusType)
}

func TestDismiss_OverridesConsensus(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	dismissed, err := c.Dismiss(context.Background(), sess.ID, issue.ID, "not applicable")
	require.NoError(t, err)
	require.Equal(t, domain.ConsensusDismissed, dismissed.ConsensusType)
	require.Equal(t, domain.SeverityDismissed, dismissed.FinalSeverity)
}

func TestSetIssueStatus_RejectsCompleted(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	_, err = c.SetIssueStatus(context.Background(), sess.ID, issue.ID, domain.ProgressCompleted, "")
	require.Error(t, err)
	require.Equal(t, "validation", string(arverr.KindOf(err)))

	updated, err := c.SetIssueStatus(context.Background(), sess.ID, issue.ID, domain.ProgressFixed, "addressed")
	require.NoError(t, err)
	require.Equal(t, domain.ProgressFixed, updated.ProgressStatus)
}

// deliberatingSession forces a session directly into deliberating by
// overwriting its persisted phase, bypassing Start's async reviewer
// bookkeeping so Process/Finish/FixComplete can be tested in isolation.
func deliberatingSession(t *testing.T, c *Controller) (*domain.Session, map[string]string) {
	t.Helper()

	sess, tokens := startedSession(t, c)
	sess.Phase = domain.PhaseDeliberating
	require.NoError(t, c.fs.PutSession(sess))

	return sess, tokens
}

func TestProcess_RequiresDeliberatingPhase(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, _ := startedSession(t, c)

	_, err := c.Process(context.Background(), sess.ID)
	require.Error(t, err)
	require.Equal(t, "state", string(arverr.KindOf(err)))
}

func TestProcess_IncrementsTurn(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, _ := deliberatingSession(t, c)

	updated, err := c.Process(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.Turn+1, updated.Turn)
}

func TestFinish_ForceCompletesUnconditionally(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := deliberatingSession(t, c)

	_, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	finished, err := c.Finish(context.Background(), sess.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseComplete, finished.Phase)
}

func TestFinish_NoUnresolvedCompletes(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, _ := deliberatingSession(t, c)

	finished, err := c.Finish(context.Background(), sess.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseComplete, finished.Phase)
}

func TestFinish_UnresolvedMovesToFixingAndReturnsConflict(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := deliberatingSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentB", Token: tokens["agentB"], Action: domain.OpinionFixRequired,
	})
	require.NoError(t, err)

	finished, err := c.Finish(context.Background(), sess.ID, false)
	require.Error(t, err)
	require.Equal(t, "conflict", string(arverr.KindOf(err)))
	require.Equal(t, domain.PhaseFixing, finished.Phase)
}

func TestFixCompleteAndRespondVerification_AcceptCompletesSession(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := deliberatingSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)
	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentB", Token: tokens["agentB"], Action: domain.OpinionFixRequired,
	})
	require.NoError(t, err)

	_, err = c.Finish(context.Background(), sess.ID, false)
	require.Error(t, err) // moves to fixing

	_, err = c.SetIssueStatus(context.Background(), sess.ID, issue.ID, domain.ProgressFixed, "done")
	require.NoError(t, err)

	fixed, err := c.FixComplete(context.Background(), sess.ID, "abc123", nil)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseVerifying, fixed.Phase)
	require.Contains(t, fixed.PendingVerification, issue.ID)

	completed, err := c.RespondVerification(context.Background(), sess.ID, issue.ID, "agentA", "accept", "looks good")
	require.NoError(t, err)
	require.Equal(t, domain.PhaseComplete, completed.Phase)
	require.Empty(t, completed.PendingVerification)
}

func TestRespondVerification_DisputeReturnsToFixing(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := deliberatingSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)
	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentB", Token: tokens["agentB"], Action: domain.OpinionFixRequired,
	})
	require.NoError(t, err)
	_, _ = c.Finish(context.Background(), sess.ID, false)
	_, err = c.SetIssueStatus(context.Background(), sess.ID, issue.ID, domain.ProgressFixed, "done")
	require.NoError(t, err)

	_, err = c.FixComplete(context.Background(), sess.ID, "abc123", nil)
	require.NoError(t, err)

	disputed, err := c.RespondVerification(context.Background(), sess.ID, issue.ID, "agentA", "dispute", "still broken")
	require.NoError(t, err)
	require.Equal(t, domain.PhaseFixing, disputed.Phase)
	require.Equal(t, 1, disputed.VerificationRound)
}

func TestRespondVerification_DisputeAtRoundCapFreezesUndecided(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := deliberatingSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)
	_, err = c.SubmitOpinion(context.Background(), sess.ID, issue.ID, OpinionRequest{
		ModelID: "agentB", Token: tokens["agentB"], Action: domain.OpinionFixRequired,
	})
	require.NoError(t, err)
	_, _ = c.Finish(context.Background(), sess.ID, false)
	_, err = c.SetIssueStatus(context.Background(), sess.ID, issue.ID, domain.ProgressFixed, "done")
	require.NoError(t, err)

	// Exhaust the configured two verification rounds.
	for i := 0; i < 2; i++ {
		_, err = c.FixComplete(context.Background(), sess.ID, "commit", []string{issue.ID})
		require.NoError(t, err)

		_, err = c.RespondVerification(context.Background(), sess.ID, issue.ID, "agentA", "dispute", "nope")
		require.NoError(t, err)
	}

	_, err = c.FixComplete(context.Background(), sess.ID, "commit", []string{issue.ID})
	require.NoError(t, err)

	final, err := c.RespondVerification(context.Background(), sess.ID, issue.ID, "agentA", "dispute", "still nope")
	require.NoError(t, err)
	require.Equal(t, domain.PhaseComplete, final.Phase)

	frozen, err := c.fs.GetIssue(sess.ID, issue.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConsensusUndecided, frozen.ConsensusType)
}

func TestRestart_FailsOrphanedReviewingAgent(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, _ := startedSession(t, c)

	// One agent is still synchronously "reviewing" right after Start, since
	// its subprocess has not completed in this test environment.
	require.NoError(t, c.Restart(context.Background()))

	restarted, err := c.GetSession(sess.ID)
	require.NoError(t, err)
	for _, a := range restarted.Agents {
		require.NotEqual(t, domain.AgentReviewing, a.Status)
	}
	require.Equal(t, domain.PhaseDeliberating, restarted.Phase)
}

func TestListIssues_ReturnsInsertionOrder(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := deliberatingSession(t, c)

	first, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "first", File: "foo.go",
	})
	require.NoError(t, err)
	second, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "second", File: "foo.go",
	})
	require.NoError(t, err)

	issues, err := c.ListIssues(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	require.Equal(t, first.ID, issues[0].ID)
	require.Equal(t, second.ID, issues[1].ID)
}

// fakeHelper is a deterministic assist.Helper stub for exercising Converse
// without driving a real subprocess.
type fakeHelper struct {
	reply, cliCommand string
	err               error
	calls             int
}

func (f *fakeHelper) Reply(_ context.Context, _ domain.Issue, _ []domain.AssistMessage, _ string) (string, string, error) {
	f.calls++
	return f.reply, f.cliCommand, f.err
}

func TestConverse_RequiresHelperConfigured(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	assistTok, err := c.tokens.IssueAssistToken(sess.ID)
	require.NoError(t, err)

	_, _, err = c.Converse(context.Background(), sess.ID, issue.ID, assistTok, "help?")
	require.Error(t, err)
	require.Equal(t, "state", string(arverr.KindOf(err)))
}

func TestConverse_AppendsTranscriptAndReturnsCLIHint(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	helper := &fakeHelper{reply: "try running the tests", cliCommand: "go test ./..."}
	c.SetHelper(helper)

	assistTok, err := c.tokens.IssueAssistToken(sess.ID)
	require.NoError(t, err)

	transcript, cliCommand, err := c.Converse(context.Background(), sess.ID, issue.ID, assistTok, "how do I reproduce this?")
	require.NoError(t, err)
	require.Equal(t, "go test ./...", cliCommand)
	require.Equal(t, 1, helper.calls)
	require.Len(t, transcript, 2)
	require.Equal(t, "user", transcript[0].Role)
	require.Equal(t, "how do I reproduce this?", transcript[0].Content)
	require.Equal(t, "assistant", transcript[1].Role)
	require.Equal(t, "try running the tests", transcript[1].Content)

	reloaded, err := c.fs.GetIssue(sess.ID, issue.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Assist, 2)
}

func TestConverse_RejectsWrongToken(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)
	c.SetHelper(&fakeHelper{reply: "ok"})

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	_, _, err = c.Converse(context.Background(), sess.ID, issue.ID, "not-a-real-token", "hi")
	require.Error(t, err)
	require.Equal(t, "auth", string(arverr.KindOf(err)))
}

func TestSubmitAssistOpinion_RejectsDisallowedAction(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	assistTok, err := c.tokens.IssueAssistToken(sess.ID)
	require.NoError(t, err)

	_, err = c.SubmitAssistOpinion(context.Background(), sess.ID, issue.ID, assistTok, domain.OpinionWithdraw, "")
	require.Error(t, err)
	require.Equal(t, "validation", string(arverr.KindOf(err)))
}

func TestSubmitAssistOpinion_SubmitsOnBehalfOfHuman(t *testing.T) {
	t.Parallel()
	c := newTestController(t)
	sess, tokens := startedSession(t, c)

	issue, err := c.ReportIssue(context.Background(), sess.ID, ReportRequest{
		ModelID: "agentA", Token: tokens["agentA"], Title: "bug", File: "foo.go",
	})
	require.NoError(t, err)

	assistTok, err := c.tokens.IssueAssistToken(sess.ID)
	require.NoError(t, err)

	updated, err := c.SubmitAssistOpinion(context.Background(), sess.ID, issue.ID, assistTok, domain.OpinionFixRequired, "please fix")
	require.NoError(t, err)

	var found bool
	for _, op := range updated.Opinions {
		if op.ModelID == "human" {
			found = true
			require.Equal(t, domain.OpinionFixRequired, op.Action)
			require.Equal(t, "please fix", op.Reasoning)
		}
	}
	require.True(t, found, "expected a human opinion on the issue")
}
