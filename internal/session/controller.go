// Package session implements the Lifecycle Controller (C7): the master
// state machine driving a session through
// idle -> collecting -> reviewing -> dedup -> deliberating -> fixing ->
// verifying -> complete, and every mutating operation that moves it there.
// All external state transitions for one session are serialized by a
// per-session mutex; read-only queries bypass it and read a consistent
// snapshot straight from the store.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/assist"
	"github.com/arvhq/arv/internal/config"
	"github.com/arvhq/arv/internal/consensus"
	"github.com/arvhq/arv/internal/dedup"
	"github.com/arvhq/arv/internal/diffrepo"
	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/eventbus"
	"github.com/arvhq/arv/internal/identity"
	"github.com/arvhq/arv/internal/runner"
	"github.com/arvhq/arv/internal/store"
)

// sessionIDBytes yields a 12-hex-character opaque session ID, per §4.1.
const sessionIDBytes = 6

func newID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", arverr.Wrap(arverr.KindStorage, err, "generate id")
	}
	return hex.EncodeToString(b), nil
}

// Controller is the Lifecycle Controller. One Controller serves every
// session in the process; per-session serialization comes from the
// sessionLocks map, not from separate Controller instances.
type Controller struct {
	fs       *store.FileStore
	idx      *store.Index
	tokens   *identity.Registry
	runs     *runner.Runner
	events   *eventbus.Publisher
	helper   assist.Helper
	consCfg  config.ConsensusConfig
	dedupCfg config.DedupConfig
	verifyCfg config.VerifyConfig

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	current string
}

// SetHelper wires the Assist Sub-engine's helper model. Converse returns a
// KindState error until this is called; SubmitAssistOpinion never needs it.
func (c *Controller) SetHelper(h assist.Helper) {
	c.helper = h
}

// New wires a Controller from its already-constructed dependencies.
func New(
	fs *store.FileStore, idx *store.Index, tokens *identity.Registry,
	runs *runner.Runner, events *eventbus.Publisher, cfg *config.Config,
) *Controller {

	return &Controller{
		fs:        fs,
		idx:       idx,
		tokens:    tokens,
		runs:      runs,
		events:    events,
		consCfg:   cfg.Consensus,
		dedupCfg:  cfg.Dedup,
		verifyCfg: cfg.Verify,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (c *Controller) lockFor(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[sessionID] = m
	}
	return m
}

func (c *Controller) weights() consensus.Weights {
	return consensus.Weights{
		Threshold:  c.consCfg.Threshold,
		Strictness: c.consCfg.StrictnessWeights,
	}
}

func (c *Controller) publish(ctx context.Context, sessionID string, kind eventbus.Kind, payload any) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, eventbus.Event{Kind: kind, SessionID: sessionID, Payload: payload})
}

// CreateRequest is the input to CreateSession, mirroring the REST body of
// §6's `POST /api/sessions`.
type CreateRequest struct {
	RepoPath              string
	BaseRev               string
	HeadRev               string
	Agents                []domain.Agent
	ImplementationContext *domain.ImplementationContext
}

// CreateSession validates the repo and revisions, mints a session ID, and
// persists the new idle session. It does not spawn any reviewer.
func (c *Controller) CreateSession(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	if req.RepoPath == "" || req.BaseRev == "" || req.HeadRev == "" {
		return nil, arverr.New(arverr.KindValidation, "repo_path, base, and head are required")
	}

	reader, err := diffrepo.NewReader(ctx, req.RepoPath)
	if err != nil {
		return nil, err
	}
	if _, err := reader.Files(ctx, req.BaseRev, req.HeadRev); err != nil {
		return nil, err
	}

	id, err := newID(sessionIDBytes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &domain.Session{
		ID:                id,
		RepoPath:          reader.Root(),
		BaseRev:           req.BaseRev,
		HeadRev:           req.HeadRev,
		CreatedAt:         now,
		UpdatedAt:         now,
		Phase:             domain.PhaseIdle,
		Agents:            req.Agents,
		ImplCtx:           req.ImplementationContext,
		NextDisplayNumber: 1,
	}

	if err := c.fs.PutSession(sess); err != nil {
		return nil, err
	}

	return sess, nil
}

func (c *Controller) load(sessionID string) (*domain.Session, error) {
	return c.fs.GetSession(sessionID)
}

func (c *Controller) save(ctx context.Context, sess *domain.Session, newPhase domain.Phase) error {
	changed := newPhase != "" && newPhase != sess.Phase
	if newPhase != "" {
		sess.Phase = newPhase
	}
	sess.UpdatedAt = time.Now()

	if err := c.fs.PutSession(sess); err != nil {
		return err
	}

	if changed {
		c.publish(ctx, sess.ID, eventbus.KindPhaseChange, map[string]any{
			"phase": sess.Phase,
			"turn":  sess.Turn,
		})
	}

	return nil
}

// GetSession returns a session's top-level snapshot without locking.
func (c *Controller) GetSession(sessionID string) (*domain.Session, error) {
	if sessionID == currentAlias {
		c.mu.Lock()
		resolved := c.current
		c.mu.Unlock()
		if resolved == "" {
			return nil, arverr.New(arverr.KindNotFound, "no session has been activated")
		}
		sessionID = resolved
	}
	return c.fs.GetSession(sessionID)
}

// currentAlias is the reserved session ID bound by Activate, letting
// callers that don't track a session ID themselves (e.g. an editor
// extension) address whichever session was last activated.
const currentAlias = "current"

// Activate binds the "current" alias to sessionID, per §6, so a later
// GetSession(currentAlias) resolves to it. It is rejected if sessionID
// doesn't exist.
func (c *Controller) Activate(sessionID string) error {
	if _, err := c.fs.GetSession(sessionID); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = sessionID
	c.mu.Unlock()
	return nil
}

// ListSessions returns every session's top-level snapshot.
func (c *Controller) ListSessions() ([]*domain.Session, error) {
	return c.fs.ListSessions()
}

// ListIssues returns a session's full issue snapshot, in insertion order.
func (c *Controller) ListIssues(ctx context.Context, sessionID string) ([]*domain.Issue, error) {
	ordered, err := c.idx.IssueIDsByInsertionOrder(ctx, sessionID)
	if err != nil || len(ordered) == 0 {
		return c.fs.ListIssues(sessionID)
	}

	out := make([]*domain.Issue, 0, len(ordered))
	for _, iid := range ordered {
		issue, err := c.fs.GetIssue(sessionID, iid)
		if err != nil {
			continue
		}
		out = append(out, issue)
	}
	return out, nil
}

// ListReviews returns a session's per-agent review summaries, in
// submission order.
func (c *Controller) ListReviews(sessionID string) ([]domain.Review, error) {
	return c.fs.ListReviews(sessionID)
}

// ListPresets returns the process-wide set of session-independent Agent
// templates.
func (c *Controller) ListPresets() ([]domain.Preset, error) {
	return c.fs.ListPresets()
}

// PutPreset saves or replaces a named preset.
func (c *Controller) PutPreset(preset domain.Preset) error {
	return c.fs.PutPreset(preset)
}

// DeletePreset removes a named preset.
func (c *Controller) DeletePreset(name string) error {
	return c.fs.DeletePreset(name)
}

// Diff returns the unified diff text for one file between a session's
// base and head revisions. Stateless like diffrepo.Reader itself; a fresh
// reader is opened per call rather than retained on the Controller.
func (c *Controller) Diff(ctx context.Context, sessionID, path string) (string, error) {
	sess, err := c.load(sessionID)
	if err != nil {
		return "", err
	}

	reader, err := diffrepo.NewReader(ctx, sess.RepoPath)
	if err != nil {
		return "", err
	}

	return reader.Diff(ctx, sess.BaseRev, sess.HeadRev, path)
}

// ReadFile returns the inclusive line range [start, end] of path at a
// session's head revision.
func (c *Controller) ReadFile(ctx context.Context, sessionID, path string, start, end int) ([]diffrepo.Line, error) {
	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}

	reader, err := diffrepo.NewReader(ctx, sess.RepoPath)
	if err != nil {
		return nil, err
	}

	return reader.Read(ctx, sess.HeadRev, path, start, end)
}

// DeleteSession stops any live runners, revokes tokens, and removes a
// session's on-disk state entirely.
func (c *Controller) DeleteSession(sessionID string) error {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return err
	}

	for _, a := range sess.Agents {
		_ = c.runs.Stop(a.ModelID)
		c.runs.Cleanup(a.ModelID)
	}
	c.tokens.RevokeSession(sessionID)

	return c.fs.DeleteSession(sessionID)
}

// Start transitions idle -> collecting -> reviewing, minting one token and
// launching one reviewer subprocess per enabled agent. Spawning is
// non-blocking; Start returns as soon as every subprocess has been asked to
// launch.
func (c *Controller) Start(ctx context.Context, sessionID string) (*domain.Session, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != domain.PhaseIdle {
		return nil, arverr.New(arverr.KindState, "session already started").
			WithContext("phase", sess.Phase)
	}

	reader, err := diffrepo.NewReader(ctx, sess.RepoPath)
	if err != nil {
		return nil, err
	}
	diffSummary, err := summarizeDiff(ctx, reader, sess.BaseRev, sess.HeadRev)
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]string)
	for i := range sess.Agents {
		agent := &sess.Agents[i]
		if !agent.Enabled {
			continue
		}

		tok, err := c.tokens.IssueAgentToken(sess.ID, agent.ModelID)
		if err != nil {
			return nil, err
		}
		tokens[agent.ModelID] = tok
		agent.Token = tok

		bundle := runner.PromptBundle{
			ModelID:      agent.ModelID,
			ClientKind:   string(agent.ClientKind),
			SystemPrompt: agent.SystemPrompt,
			Role:         string(agent.Strictness),
			DiffSummary:  diffSummary,
			Focus:        agent.Focus,
			ReplyToken:   tok,
			SessionBase:  sess.BaseRev,
		}

		resultCh, err := c.runs.Start(ctx, bundle, buildReviewPrompt(sess, bundle))
		if err != nil {
			agent.Status = domain.AgentFailed
			continue
		}

		now := time.Now()
		agent.Status = domain.AgentReviewing
		agent.ReviewingSince = &now

		go c.awaitReviewer(context.Background(), sess.ID, agent.ModelID, resultCh)
	}

	if err := c.fs.PutTokens(sess.ID, tokens); err != nil {
		return nil, err
	}

	if err := c.save(ctx, sess, domain.PhaseCollecting); err != nil {
		return nil, err
	}
	if err := c.save(ctx, sess, domain.PhaseReviewing); err != nil {
		return nil, err
	}

	c.maybeAdvancePastReviewing(ctx, sess)

	return sess, nil
}

// buildReviewPrompt assembles the text sent to the reviewer subprocess from
// its bundle, combining role, diff summary, focus areas, and the reply
// token it must present back to the API.
func buildReviewPrompt(sess *domain.Session, b runner.PromptBundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are reviewing a code change as a %s-strictness reviewer.\n", b.Role)
	fmt.Fprintf(&sb, "Session: %s (base %s, head %s)\n", sess.ID, sess.BaseRev, sess.HeadRev)
	if len(b.Focus) > 0 {
		fmt.Fprintf(&sb, "Focus areas: %s\n", strings.Join(b.Focus, ", "))
	}
	sb.WriteString("Changed files:\n")
	sb.WriteString(b.DiffSummary)
	fmt.Fprintf(&sb, "\nReport issues via the review API using X-Agent-Key: %s\n", b.ReplyToken)
	return sb.String()
}

func summarizeDiff(ctx context.Context, reader *diffrepo.Reader, base, head string) (string, error) {
	files, err := reader.Files(ctx, base, head)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "%s %s +%d -%d\n", f.Status, f.Path, f.Additions, f.Deletions)
	}
	return sb.String(), nil
}

// awaitReviewer waits for one reviewer subprocess's terminal Result and
// records it on the session, advancing the phase once every enabled
// reviewer is terminal.
func (c *Controller) awaitReviewer(ctx context.Context, sessionID, modelID string, resultCh <-chan runner.Result) {
	result, ok := <-resultCh
	if !ok {
		return
	}

	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return
	}

	agent := sess.AgentByModelID(modelID)
	if agent == nil {
		return
	}

	switch result.Outcome {
	case runner.OutcomeSubmitted:
		agent.Status = domain.AgentSubmitted

		review := domain.Review{
			ModelID:     modelID,
			Turn:        sess.Turn,
			SubmittedAt: time.Now(),
			Summary:     result.Summary,
			IssueCount:  result.IssueCount,
			CostUSD:     result.CostUSD,
			DurationMS:  result.DurationMS,
		}
		if err := c.fs.PutReview(sessionID, review); err != nil {
			slog.Error("put review", "session_id", sessionID, "model_id", modelID, "err", err)
		} else {
			if err := c.idx.RecordReview(ctx, sessionID, review); err != nil {
				slog.Error("index review", "session_id", sessionID, "model_id", modelID, "err", err)
			}
			c.publish(ctx, sessionID, eventbus.KindReviewSubmitted, map[string]any{
				"model_id": modelID, "turn": review.Turn, "issue_count": review.IssueCount,
			})
		}
	default:
		agent.Status = domain.AgentFailed
	}

	_ = c.save(ctx, sess, "")
	c.publish(ctx, sessionID, eventbus.KindAgentStatus, map[string]any{
		"model_id": modelID, "status": agent.Status, "reason": result.Reason,
	})

	c.runs.Cleanup(modelID)
	c.maybeAdvancePastReviewing(ctx, sess)
}

func allTerminal(sess *domain.Session) bool {
	for _, a := range sess.EnabledAgents() {
		if a.Status != domain.AgentSubmitted && a.Status != domain.AgentFailed {
			return false
		}
	}
	return true
}

// maybeAdvancePastReviewing moves a session from reviewing through dedup
// into deliberating once every enabled reviewer has reached a terminal
// status. Safe to call repeatedly; it is a no-op outside of "reviewing"
// or when reviewers are still in flight.
func (c *Controller) maybeAdvancePastReviewing(ctx context.Context, sess *domain.Session) {
	if sess.Phase != domain.PhaseReviewing || !allTerminal(sess) {
		return
	}

	_ = c.save(ctx, sess, domain.PhaseDedup)
	c.runDedup(ctx, sess)
	_ = c.save(ctx, sess, domain.PhaseDeliberating)
}

// runDedup collects every turn-0 issue raised so far, merges near-duplicates
// via the dedup engine, and rewrites the session's issue set to the
// canonical survivors.
func (c *Controller) runDedup(ctx context.Context, sess *domain.Session) {
	raw, err := c.fs.ListIssues(sess.ID)
	if err != nil {
		return
	}

	var candidates []dedup.Candidate
	for _, issue := range raw {
		if issue.Turn != 0 {
			continue
		}
		// GroupKey is not persisted, so recompute it for step-1 bucketing.
		issue.GroupKey = dedup.GroupKey(issue.File, issue.Title)
		candidates = append(candidates, dedup.Candidate{
			Issue:        *issue,
			RaiseOpinion: raiseOpinionOf(*issue),
		})
	}

	engine := dedup.New(c.dedupCfg.ProximityLines)
	result := engine.Run(candidates, sess.NextDisplayNumber)

	canonicalIDs := make(map[string]bool, len(result.Canonical))
	for i := range result.Canonical {
		issue := &result.Canonical[i]
		canonicalIDs[issue.ID] = true

		if err := c.fs.PutIssue(sess.ID, issue); err != nil {
			continue
		}
		_ = c.idx.RecordIssue(ctx, sess.ID, issue)
		if issue.DisplayNumber >= sess.NextDisplayNumber {
			sess.NextDisplayNumber = issue.DisplayNumber + 1
		}
		c.publish(ctx, sess.ID, eventbus.KindIssueCreated, issue)
	}

	// Non-canonical turn-0 raises are now folded into a canonical issue's
	// opinion thread; their own files are superseded and removed.
	for _, issue := range raw {
		if issue.Turn == 0 && !canonicalIDs[issue.ID] {
			_ = c.fs.DeleteIssue(sess.ID, issue.ID)
		}
	}
}

func raiseOpinionOf(issue domain.Issue) domain.Opinion {
	for _, op := range issue.Opinions {
		if op.Action == domain.OpinionRaise && op.ModelID == issue.RaisedBy {
			return op
		}
	}
	return domain.Opinion{
		ModelID:   issue.RaisedBy,
		Action:    domain.OpinionRaise,
		Turn:      issue.Turn,
		Timestamp: issue.CreatedAt,
	}
}

// ReportRequest is the input to ReportIssue.
type ReportRequest struct {
	ModelID     string
	Token       string
	Title       string
	Severity    domain.Severity
	File        string
	LineStart   *int
	LineEnd     *int
	Description string
	Suggestion  string
}

// ReportIssue creates a raw raise from a reviewer. It is valid during
// reviewing (turn 0) and deliberating (later turns); dedup only merges
// turn-0 raises, so later-turn raises are never collapsed.
func (c *Controller) ReportIssue(ctx context.Context, sessionID string, req ReportRequest) (*domain.Issue, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.Authorize(req.Token, sessionID, req.ModelID); err != nil {
		return nil, err
	}
	if sess.Phase != domain.PhaseReviewing && sess.Phase != domain.PhaseDeliberating {
		return nil, arverr.New(arverr.KindState, "report not valid in current phase").
			WithContext("phase", sess.Phase)
	}

	lineStart, lineEnd := req.LineStart, req.LineEnd
	if lineStart != nil && lineEnd != nil && *lineStart > *lineEnd {
		lineStart, lineEnd = lineEnd, lineStart
	}

	id, err := newID(8)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	issue := &domain.Issue{
		ID:             id,
		SessionID:      sessionID,
		Title:          req.Title,
		Severity:       req.Severity,
		File:           req.File,
		LineStart:      lineStart,
		LineEnd:        lineEnd,
		Description:    req.Description,
		Suggestion:     req.Suggestion,
		RaisedBy:       req.ModelID,
		Turn:           sess.Turn,
		CreatedAt:      now,
		UpdatedAt:      now,
		ProgressStatus: domain.ProgressReported,
		GroupKey:       dedup.GroupKey(req.File, req.Title),
	}
	issue.Opinions = append(issue.Opinions, domain.Opinion{
		ID:        mustID(),
		ModelID:   req.ModelID,
		Action:    domain.OpinionRaise,
		Turn:      sess.Turn,
		Timestamp: now,
	})

	if err := c.fs.PutIssue(sessionID, issue); err != nil {
		return nil, err
	}
	_ = c.idx.RecordIssue(ctx, sessionID, issue)

	c.publish(ctx, sessionID, eventbus.KindIssueCreated, issue)

	return issue, nil
}

func mustID() string {
	id, err := newID(8)
	if err != nil {
		return ""
	}
	return id
}

// ReviewRequest is the eventbus.KindReviewRequested payload: a false_positive
// vote on issue.ID flags it back to RaisedBy for a second look, per §4.6,
// independent of whatever the vote tally itself decides.
type ReviewRequest struct {
	IssueID    string `json:"issue_id"`
	RaisedBy   string `json:"raised_by"`
	FlaggedBy  string `json:"flagged_by"`
	DisplayNum int    `json:"display_number"`
}

// OpinionRequest is the input to SubmitOpinion.
type OpinionRequest struct {
	ModelID           string
	Token             string
	Action            domain.OpinionAction
	Reasoning         string
	SuggestedSeverity domain.Severity
	Confidence        *float64
}

// SubmitOpinion appends one opinion to an issue's thread, enforcing
// role rules (only the raiser may withdraw; the raiser may not flag their
// own issue false_positive; no action is accepted on a closed issue), then
// recomputes consensus for vote-bearing actions.
func (c *Controller) SubmitOpinion(ctx context.Context, sessionID, issueID string, req OpinionRequest) (*domain.Issue, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.Authorize(req.Token, sessionID, req.ModelID); err != nil {
		return nil, err
	}
	if sess.Phase != domain.PhaseReviewing && sess.Phase != domain.PhaseDeliberating {
		return nil, arverr.New(arverr.KindState, "opinion not valid in current phase").
			WithContext("phase", sess.Phase)
	}

	issue, err := c.fs.GetIssue(sessionID, issueID)
	if err != nil {
		return nil, err
	}

	if issue.ConsensusType == domain.ConsensusClosed {
		return nil, arverr.New(arverr.KindState, "issue is closed").
			WithContext("issue_id", issueID)
	}
	if req.Action == domain.OpinionWithdraw && req.ModelID != issue.RaisedBy {
		return nil, arverr.New(arverr.KindValidation, "only the raiser may withdraw")
	}
	if req.Action == domain.OpinionFalsePositive && req.ModelID == issue.RaisedBy {
		return nil, arverr.New(arverr.KindValidation, "the raiser cannot flag their own issue false_positive")
	}

	now := time.Now()
	op := domain.Opinion{
		ID:                mustID(),
		ModelID:           req.ModelID,
		Action:            req.Action,
		Reasoning:         req.Reasoning,
		SuggestedSeverity: req.SuggestedSeverity,
		Confidence:        req.Confidence,
		Turn:              sess.Turn,
		Timestamp:         now,
	}
	issue.Opinions = append(issue.Opinions, op)
	issue.UpdatedAt = now

	if req.Action == domain.OpinionWithdraw {
		t := true
		issue.Consensus = &t
		issue.ConsensusType = domain.ConsensusClosed
	} else if req.Action.VoteBearing() {
		voters := nonRaiserVoterIDs(sess, issue.RaisedBy)
		allHeard := consensus.TurnComplete(
			[]domain.Issue{*issue},
			map[string][]string{issue.ID: voters},
			sess.Turn, map[string]bool{},
		)

		outcome := consensus.Tally(*issue, sess.Agents, c.weights(), allHeard)
		if outcome.Decided {
			decided := true
			issue.Consensus = &decided
			issue.ConsensusType = outcome.ConsensusType
			issue.FinalSeverity = outcome.FinalSeverity
		}
		if outcome.FalsePositiveFlag {
			c.publish(ctx, sessionID, eventbus.KindReviewRequested, ReviewRequest{
				IssueID:    issue.ID,
				RaisedBy:   issue.RaisedBy,
				FlaggedBy:  req.ModelID,
				DisplayNum: issue.DisplayNumber,
			})
		}
	}

	if err := c.fs.PutIssue(sessionID, issue); err != nil {
		return nil, err
	}
	_ = c.idx.RecordOpinion(ctx, sessionID, issueID, &op)

	c.publish(ctx, sessionID, eventbus.KindOpinionSubmitted, op)
	if issue.Consensus != nil && *issue.Consensus {
		c.publish(ctx, sessionID, eventbus.KindIssueStatusChange, issue)
	}

	return issue, nil
}

func nonRaiserVoterIDs(sess *domain.Session, raisedBy string) []string {
	var out []string
	for _, a := range sess.EnabledAgents() {
		if a.ModelID != raisedBy {
			out = append(out, a.ModelID)
		}
	}
	return out
}

// Dismiss is the author's unilateral override, bypassing the vote tally.
func (c *Controller) Dismiss(ctx context.Context, sessionID, issueID, reasoning string) (*domain.Issue, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	issue, err := c.fs.GetIssue(sessionID, issueID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	decided := true
	issue.Consensus = &decided
	issue.ConsensusType = domain.ConsensusDismissed
	issue.FinalSeverity = domain.SeverityDismissed
	issue.UpdatedAt = now
	issue.Opinions = append(issue.Opinions, domain.Opinion{
		ID: mustID(), ModelID: "author", Action: domain.OpinionStatusChange,
		Reasoning: reasoning, StatusValue: "dismissed", Timestamp: now,
	})

	if err := c.fs.PutIssue(sessionID, issue); err != nil {
		return nil, err
	}

	c.publish(ctx, sessionID, eventbus.KindIssueStatusChange, issue)
	return issue, nil
}

// SetIssueStatus records a progress-status transition. `completed` is
// rejected here since I3 only allows it as a result of a verification
// accept, set internally by RespondVerification.
func (c *Controller) SetIssueStatus(ctx context.Context, sessionID, issueID string, status domain.ProgressStatus, reasoning string) (*domain.Issue, error) {
	if status == domain.ProgressCompleted {
		return nil, arverr.New(arverr.KindValidation, "completed is only reachable via verification")
	}

	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	issue, err := c.fs.GetIssue(sessionID, issueID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	prev := issue.ProgressStatus
	issue.ProgressStatus = status
	issue.UpdatedAt = now
	issue.Opinions = append(issue.Opinions, domain.Opinion{
		ID: mustID(), ModelID: "author", Action: domain.OpinionStatusChange,
		Reasoning: reasoning, PreviousStatus: string(prev), StatusValue: string(status),
		Timestamp: now,
	})

	if err := c.fs.PutIssue(sessionID, issue); err != nil {
		return nil, err
	}

	c.publish(ctx, sessionID, eventbus.KindIssueStatusChange, issue)
	return issue, nil
}

// Process advances the deliberation turn counter. Consensus itself is
// recomputed incrementally as opinions arrive; Process is the explicit
// "move to the next round" signal an operator sends once satisfied the
// current turn's voices have been heard.
func (c *Controller) Process(ctx context.Context, sessionID string) (*domain.Session, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != domain.PhaseDeliberating {
		return nil, arverr.New(arverr.KindState, "process not valid in current phase").
			WithContext("phase", sess.Phase)
	}

	sess.Turn++
	if err := c.save(ctx, sess, ""); err != nil {
		return nil, err
	}

	return sess, nil
}

func unresolvedIssues(issues []*domain.Issue) []string {
	var ids []string
	for _, issue := range issues {
		if issue.ConsensusType == domain.ConsensusFixRequired &&
			issue.ProgressStatus != domain.ProgressFixed &&
			issue.ProgressStatus != domain.ProgressCompleted {
			ids = append(ids, issue.ID)
		}
	}
	return ids
}

// Finish attempts to complete a session. With no unresolved fix_required
// issues it completes outright. With unresolved issues and no force, it
// moves the session into fixing (so the operator can act) and returns a
// KindConflict error naming them. With force, it completes unconditionally,
// freezing any still-unresolved issues as undecided.
func (c *Controller) Finish(ctx context.Context, sessionID string, force bool) (*domain.Session, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}

	if !force && sess.Phase != domain.PhaseDeliberating {
		return nil, arverr.New(arverr.KindState, "finish not valid in current phase").
			WithContext("phase", sess.Phase)
	}

	if force {
		issues, err := c.fs.ListIssues(sessionID)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			if containsID(unresolvedIssues(issues), issue.ID) {
				issue.ConsensusType = domain.ConsensusUndecided
				if err := c.fs.PutIssue(sessionID, issue); err != nil {
					return nil, err
				}
			}
		}
		if err := c.save(ctx, sess, domain.PhaseComplete); err != nil {
			return nil, err
		}
		return sess, nil
	}

	issues, err := c.fs.ListIssues(sessionID)
	if err != nil {
		return nil, err
	}

	unresolved := unresolvedIssues(issues)
	if len(unresolved) == 0 {
		if err := c.save(ctx, sess, domain.PhaseComplete); err != nil {
			return nil, err
		}
		return sess, nil
	}

	if err := c.save(ctx, sess, domain.PhaseFixing); err != nil {
		return nil, err
	}

	return sess, arverr.New(arverr.KindConflict, "unresolved issues remain").
		WithContext("unresolved_issues", unresolved)
}

// FixComplete records a fix commit and transitions fixing -> verifying,
// tracking which issues are now awaiting the raiser's respond.
func (c *Controller) FixComplete(ctx context.Context, sessionID, commit string, issueIDs []string) (*domain.Session, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != domain.PhaseFixing {
		return nil, arverr.New(arverr.KindState, "fix-complete not valid in current phase").
			WithContext("phase", sess.Phase)
	}

	if len(issueIDs) == 0 {
		issues, err := c.fs.ListIssues(sessionID)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			if issue.ProgressStatus == domain.ProgressFixed {
				issueIDs = append(issueIDs, issue.ID)
			}
		}
	}

	sess.FixCommits = append(sess.FixCommits, commit)
	sess.PendingVerification = issueIDs

	if err := c.save(ctx, sess, domain.PhaseVerifying); err != nil {
		return nil, err
	}

	return sess, nil
}

// RespondVerification records a raiser's verdict on one fixed issue.
// accept/partial resolve it; dispute bumps the verification round and
// sends the session back to fixing, unless the round cap is reached, in
// which case the issue is frozen undecided.
func (c *Controller) RespondVerification(ctx context.Context, sessionID, issueID, modelID string, action, reasoning string) (*domain.Session, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != domain.PhaseVerifying {
		return nil, arverr.New(arverr.KindState, "respond not valid in current phase").
			WithContext("phase", sess.Phase)
	}
	if !containsID(sess.PendingVerification, issueID) {
		return nil, arverr.New(arverr.KindState, "issue is not awaiting verification").
			WithContext("issue_id", issueID)
	}

	issue, err := c.fs.GetIssue(sessionID, issueID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	issue.Opinions = append(issue.Opinions, domain.Opinion{
		ID: mustID(), ModelID: modelID, Action: domain.OpinionStatusChange,
		Reasoning: reasoning, StatusValue: action, Turn: sess.Turn, Timestamp: now,
	})
	issue.UpdatedAt = now

	switch action {
	case "accept", "partial":
		issue.ProgressStatus = domain.ProgressCompleted
		sess.PendingVerification = removeID(sess.PendingVerification, issueID)

		if err := c.fs.PutIssue(sessionID, issue); err != nil {
			return nil, err
		}
		if len(sess.PendingVerification) == 0 {
			if err := c.save(ctx, sess, domain.PhaseComplete); err != nil {
				return nil, err
			}
			return sess, nil
		}
		if err := c.save(ctx, sess, ""); err != nil {
			return nil, err
		}
		return sess, nil

	case "dispute":
		sess.VerificationRound++
		if sess.VerificationRound > c.verifyCfg.MaxRounds {
			issue.ConsensusType = domain.ConsensusUndecided
			sess.PendingVerification = removeID(sess.PendingVerification, issueID)

			if err := c.fs.PutIssue(sessionID, issue); err != nil {
				return nil, err
			}
			if len(sess.PendingVerification) == 0 {
				if err := c.save(ctx, sess, domain.PhaseComplete); err != nil {
					return nil, err
				}
				return sess, nil
			}
			if err := c.save(ctx, sess, ""); err != nil {
				return nil, err
			}
			return sess, nil
		}

		issue.ProgressStatus = domain.ProgressReported
		if err := c.fs.PutIssue(sessionID, issue); err != nil {
			return nil, err
		}

		sess.Turn++
		if err := c.save(ctx, sess, domain.PhaseFixing); err != nil {
			return nil, err
		}
		return sess, nil

	default:
		return nil, arverr.New(arverr.KindValidation, "respond action must be accept, dispute, or partial").
			WithContext("action", action)
	}
}

// Converse appends one user/assistant turn to an issue's assist
// transcript, scoped independently of the main deliberation thread (the
// helper's reply never touches consensus), and returns the full transcript
// plus any CLI command hint the helper surfaced.
func (c *Controller) Converse(ctx context.Context, sessionID, issueID, token, message string) ([]domain.AssistMessage, string, error) {
	if c.helper == nil {
		return nil, "", arverr.New(arverr.KindState, "assist helper not configured")
	}

	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.tokens.Authorize(token, sessionID, "human"); err != nil {
		return nil, "", err
	}

	issue, err := c.fs.GetIssue(sessionID, issueID)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	issue.Assist = append(issue.Assist, domain.AssistMessage{
		Role: "user", Content: message, Timestamp: now,
	})

	reply, cliCommand, err := c.helper.Reply(ctx, *issue, issue.Assist, message)
	if err != nil {
		return nil, "", err
	}

	issue.Assist = append(issue.Assist, domain.AssistMessage{
		Role: "assistant", Content: reply, Timestamp: time.Now(),
	})
	issue.UpdatedAt = time.Now()

	if err := c.fs.PutIssue(sessionID, issue); err != nil {
		return nil, "", err
	}

	return issue.Assist, cliCommand, nil
}

// SubmitAssistOpinion submits a synthetic opinion on behalf of the "human"
// pseudo-reviewer, authorized by an assist token rather than a per-agent
// one. Restricted to comment/fix_required/no_fix, per §4.9; it shares
// SubmitOpinion's role rules and consensus recompute unchanged.
func (c *Controller) SubmitAssistOpinion(ctx context.Context, sessionID, issueID, token string, action domain.OpinionAction, reasoning string) (*domain.Issue, error) {
	switch action {
	case domain.OpinionComment, domain.OpinionFixRequired, domain.OpinionNoFix:
	default:
		return nil, arverr.New(arverr.KindValidation, "assist opinion must be comment, fix_required, or no_fix").
			WithContext("action", action)
	}

	return c.SubmitOpinion(ctx, sessionID, issueID, OpinionRequest{
		ModelID: "human", Token: token, Action: action, Reasoning: reasoning,
	})
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Restart resets any session left in a non-terminal phase with no live
// runners after a process crash, per §4.7's restart semantics. Sessions
// are independent of each other (each carries its own per-session lock),
// so recovery fans out across them instead of running one at a time.
func (c *Controller) Restart(ctx context.Context) error {
	sessions, err := c.fs.ListSessions()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, sess := range sessions {
		sess := sess
		if sess.Phase == domain.PhaseComplete || sess.Phase == domain.PhaseIdle {
			continue
		}

		g.Go(func() error {
			lock := c.lockFor(sess.ID)
			lock.Lock()
			defer lock.Unlock()

			// No runner survives a process restart: any agent this
			// session's persisted state still shows mid-review was
			// actually orphaned by the crash, and is recorded as failed
			// rather than left to hang forever waiting on a subprocess
			// that no longer exists.
			anyReviewed := false
			for i := range sess.Agents {
				a := &sess.Agents[i]
				switch a.Status {
				case domain.AgentReviewing:
					a.Status = domain.AgentFailed
				case domain.AgentSubmitted, domain.AgentFailed:
					anyReviewed = true
				}
			}

			target := domain.PhaseReviewing
			if anyReviewed {
				target = domain.PhaseDeliberating
			}
			return c.save(ctx, sess, target)
		})
	}

	return g.Wait()
}
