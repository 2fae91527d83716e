// Package domain holds the shared data model for a review session: the
// types every other package (store, dedup, consensus, runner, session,
// httpapi) reads and mutates. None of these types know how they are
// persisted or transported; that is C3's and the HTTP adapter's job.
package domain

import "time"

// Phase is a session's position in the lifecycle state machine (C7).
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseCollecting   Phase = "collecting"
	PhaseReviewing    Phase = "reviewing"
	PhaseDedup        Phase = "dedup"
	PhaseDeliberating Phase = "deliberating"
	PhaseFixing       Phase = "fixing"
	PhaseVerifying    Phase = "verifying"
	PhaseComplete     Phase = "complete"
)

// Strictness maps to a default consensus vote weight (config.ConsensusConfig).
type Strictness string

const (
	StrictnessStrict   Strictness = "strict"
	StrictnessBalanced Strictness = "balanced"
	StrictnessLenient  Strictness = "lenient"
)

// AgentStatus is a reviewer's current runtime status.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentReviewing AgentStatus = "reviewing"
	AgentSubmitted AgentStatus = "submitted"
	AgentFailed    AgentStatus = "failed"
)

// ClientKind identifies which CLI-backed reviewer engine an Agent uses.
type ClientKind string

const (
	ClientClaudeCode ClientKind = "claude-code"
	ClientCodex      ClientKind = "codex"
	ClientGemini     ClientKind = "gemini"
)

// Agent is a configured reviewer bound to a session (or, as a Preset,
// session-independent).
type Agent struct {
	ModelID        string      `json:"model_id"`
	ClientKind     ClientKind  `json:"client_kind"`
	Provider       string      `json:"provider"`
	Strictness     Strictness  `json:"strictness"`
	SystemPrompt   string      `json:"system_prompt"`
	Temperature    *float64    `json:"temperature,omitempty"`
	Focus          []string    `json:"focus,omitempty"`
	Color          string      `json:"color,omitempty"`
	Enabled        bool        `json:"enabled"`
	Status         AgentStatus `json:"status"`
	ReviewingSince *time.Time  `json:"reviewing_since,omitempty"`
	Token          string      `json:"-"`
}

// Preset is a session-independent Agent template.
type Preset struct {
	Name  string `json:"name"`
	Agent Agent  `json:"agent"`
}

// ConsensusType is the outcome recorded on an Issue once decided.
type ConsensusType string

const (
	ConsensusFixRequired ConsensusType = "fix_required"
	ConsensusDismissed   ConsensusType = "dismissed"
	ConsensusUndecided   ConsensusType = "undecided"
	ConsensusClosed      ConsensusType = "closed"
)

// Severity is an issue's severity, including the dismissed pseudo-severity
// used once an issue resolves to dismissed.
type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityHigh      Severity = "high"
	SeverityMedium    Severity = "medium"
	SeverityLow       Severity = "low"
	SeverityDismissed Severity = "dismissed"
)

var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:      3,
	SeverityMedium:    2,
	SeverityLow:       1,
	SeverityDismissed: 0,
}

// Rank returns a severity's ordinal for highest-severity-wins comparisons;
// higher is more severe.
func (s Severity) Rank() int { return severityRank[s] }

// ProgressStatus tracks an issue's resolution progress, independent of
// consensus_type.
type ProgressStatus string

const (
	ProgressReported  ProgressStatus = "reported"
	ProgressWontFix   ProgressStatus = "wont_fix"
	ProgressFixed     ProgressStatus = "fixed"
	ProgressCompleted ProgressStatus = "completed"
)

// Issue is created exclusively by a reviewer's report call (I1, I5).
type Issue struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	Title       string  `json:"title"`
	Severity    Severity `json:"severity"`
	File        string  `json:"file"`
	LineStart   *int    `json:"line_start,omitempty"`
	LineEnd     *int    `json:"line_end,omitempty"`
	Description string  `json:"description"`
	Suggestion  string  `json:"suggestion,omitempty"`

	RaisedBy string `json:"raised_by"`
	Turn     int    `json:"turn"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Consensus     *bool         `json:"consensus"`
	ConsensusType ConsensusType `json:"consensus_type"`
	FinalSeverity Severity      `json:"final_severity,omitempty"`

	ProgressStatus ProgressStatus `json:"progress_status"`

	Opinions []Opinion `json:"opinions"`
	Assist   []AssistMessage `json:"assist,omitempty"`

	GroupKey string `json:"-"`

	// DisplayNumber is dense, 1-based within the session, assigned once
	// on first observation and never renumbered (I7).
	DisplayNumber int `json:"display_number"`
}

// OpinionAction is one opinion's verb.
type OpinionAction string

const (
	OpinionRaise         OpinionAction = "raise"
	OpinionFixRequired   OpinionAction = "fix_required"
	OpinionNoFix         OpinionAction = "no_fix"
	OpinionFalsePositive OpinionAction = "false_positive"
	OpinionWithdraw      OpinionAction = "withdraw"
	OpinionComment       OpinionAction = "comment"
	OpinionStatusChange  OpinionAction = "status_change"
)

// VoteBearing reports whether this action counts toward consensus tally.
func (a OpinionAction) VoteBearing() bool {
	switch a {
	case OpinionFixRequired, OpinionNoFix, OpinionFalsePositive:
		return true
	default:
		return false
	}
}

// Opinion is one entry in an Issue's thread.
type Opinion struct {
	ID               string        `json:"id"`
	ModelID          string        `json:"model_id"`
	Action           OpinionAction `json:"action"`
	Reasoning        string        `json:"reasoning,omitempty"`
	SuggestedSeverity Severity     `json:"suggested_severity,omitempty"`
	Confidence       *float64      `json:"confidence,omitempty"`
	Turn             int           `json:"turn"`
	Timestamp        time.Time     `json:"timestamp"`
	PreviousStatus   string        `json:"previous_status,omitempty"`
	StatusValue      string        `json:"status_value,omitempty"`
}

// AssistMessage is one turn of a per-issue assist conversation (C9).
type AssistMessage struct {
	Role      string    `json:"role"` // "user" | "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Review is one reviewer's round-level record. At most one per
// (ModelID, Turn) within a session.
type Review struct {
	ModelID     string    `json:"model_id"`
	Turn        int       `json:"turn"`
	SubmittedAt time.Time `json:"submitted_at"`
	Summary     string    `json:"summary"`
	IssueCount  int       `json:"issue_count"`

	// CostUSD and DurationMS are not part of the core data model but are
	// carried through from the reviewer subprocess's own accounting, since
	// an operator deciding whether to keep running a given reviewer needs
	// to see what it costs.
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

// ImplementationContext is an optional per-session payload supplied by the
// author when addressing issues.
type ImplementationContext struct {
	Summary     string    `json:"summary"`
	Decisions   []string  `json:"decisions,omitempty"`
	Tradeoffs   []string  `json:"tradeoffs,omitempty"`
	Submitter   string    `json:"submitter"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Session is created when a client supplies (repo_path, base_rev,
// head_rev). Identified by a 12-hex-character opaque ID.
type Session struct {
	ID       string `json:"id"`
	RepoPath string `json:"repo_path"`
	BaseRev  string `json:"base_rev"`
	HeadRev  string `json:"head_rev"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Phase Phase `json:"phase"`
	Turn  int   `json:"turn"`

	Agents []Agent `json:"agents"`

	ImplCtx *ImplementationContext `json:"implementation_context,omitempty"`

	FixCommits []string `json:"fix_commits,omitempty"`

	// VerificationRound counts fixing<->verifying round-trips (capped by
	// config.VerifyConfig.MaxRounds).
	VerificationRound int `json:"verification_round"`

	// NextDisplayNumber is the monotonic counter dedup allocates issue
	// display numbers from (I7: never reused, never renumbered).
	NextDisplayNumber int `json:"next_display_number"`

	// PendingVerification holds the issue IDs awaiting a raiser respond
	// during the verifying phase, set by fix-complete.
	PendingVerification []string `json:"pending_verification,omitempty"`
}

// EnabledAgents returns the session's enabled agents.
func (s *Session) EnabledAgents() []Agent {
	var out []Agent
	for _, a := range s.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// AgentByModelID finds an agent by model ID, or returns nil.
func (s *Session) AgentByModelID(modelID string) *Agent {
	for i := range s.Agents {
		if s.Agents[i].ModelID == modelID {
			return &s.Agents[i]
		}
	}
	return nil
}

// StrictnessWeight maps a Strictness to a default consensus vote weight.
func StrictnessWeight(s Strictness, weights map[string]float64) float64 {
	if w, ok := weights[string(s)]; ok {
		return w
	}
	return weights[string(StrictnessBalanced)]
}
