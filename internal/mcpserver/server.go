// Package mcpserver exposes the reviewer-facing half of §6's surface
// (report, opinion, respond, status, dismiss, assist) as MCP tools, for
// reviewer subprocesses that talk MCP instead of calling the REST API
// directly. It wraps the Lifecycle Controller the same way the teacher's
// internal/mcp wraps its mail service: one *mcp.Server, one registerTools
// pass, and a typed Args/Result struct pair per tool.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/session"
)

// Server wraps the MCP server with the Lifecycle Controller it calls into.
type Server struct {
	server *mcp.Server
	ctrl   *session.Controller
}

// NewServer creates an MCP server with every reviewer-facing tool
// registered against ctrl.
func NewServer(ctrl *session.Controller) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "arv",
		Version: "0.1.0",
	}, nil)

	s := &Server{server: mcpServer, ctrl: ctrl}
	s.registerTools()

	return s
}

// Run starts the MCP server on transport, blocking until ctx is cancelled
// or the transport closes.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "report_issue",
		Description: "Raise a new review issue against the session's diff",
	}, s.handleReportIssue)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "submit_opinion",
		Description: "Submit an opinion (fix_required, no_fix, withdraw, false_positive, comment) on an issue",
	}, s.handleSubmitOpinion)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "respond_verification",
		Description: "Accept, dispute, or partially accept a fix during the verifying phase",
	}, s.handleRespondVerification)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_status",
		Description: "Get a session's phase, turn, and per-agent status rollup",
	}, s.handleGetStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "dismiss_issue",
		Description: "Dismiss an issue unilaterally, bypassing the vote tally",
	}, s.handleDismissIssue)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "assist_converse",
		Description: "Send one turn to an issue's assist helper and get its reply plus any CLI command hint",
	}, s.handleAssistConverse)
}

type ReportIssueArgs struct {
	SessionID   string `json:"session_id" jsonschema:"Session ID"`
	ModelID     string `json:"model_id" jsonschema:"Reporting reviewer's model ID"`
	Token       string `json:"token" jsonschema:"Reviewer's per-session access token"`
	Title       string `json:"title" jsonschema:"Short issue title"`
	Severity    string `json:"severity,omitempty" jsonschema:"critical, high, medium, or low"`
	File        string `json:"file" jsonschema:"Repo-relative file path"`
	LineStart   int    `json:"line_start,omitempty" jsonschema:"Inclusive start line, 1-based"`
	LineEnd     int    `json:"line_end,omitempty" jsonschema:"Inclusive end line, 1-based"`
	Description string `json:"description" jsonschema:"What is wrong"`
	Suggestion  string `json:"suggestion,omitempty" jsonschema:"Suggested fix"`
}

type IssueResult struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Severity       string `json:"severity"`
	ConsensusType  string `json:"consensus_type"`
	ProgressStatus string `json:"progress_status"`
}

func issueResult(issue *domain.Issue) IssueResult {
	return IssueResult{
		ID: issue.ID, Title: issue.Title, Severity: string(issue.Severity),
		ConsensusType: string(issue.ConsensusType), ProgressStatus: string(issue.ProgressStatus),
	}
}

func (s *Server) handleReportIssue(
	ctx context.Context, req *mcp.CallToolRequest, args ReportIssueArgs,
) (*mcp.CallToolResult, IssueResult, error) {

	var lineStart, lineEnd *int
	if args.LineStart > 0 {
		lineStart = &args.LineStart
	}
	if args.LineEnd > 0 {
		lineEnd = &args.LineEnd
	}

	issue, err := s.ctrl.ReportIssue(ctx, args.SessionID, session.ReportRequest{
		ModelID: args.ModelID, Token: args.Token, Title: args.Title,
		Severity: domain.Severity(args.Severity), File: args.File,
		LineStart: lineStart, LineEnd: lineEnd,
		Description: args.Description, Suggestion: args.Suggestion,
	})
	if err != nil {
		return nil, IssueResult{}, err
	}

	return nil, issueResult(issue), nil
}

type SubmitOpinionArgs struct {
	SessionID         string  `json:"session_id" jsonschema:"Session ID"`
	IssueID           string  `json:"issue_id" jsonschema:"Issue ID"`
	ModelID           string  `json:"model_id" jsonschema:"Voting reviewer's model ID"`
	Token             string  `json:"token" jsonschema:"Reviewer's per-session access token"`
	Action            string  `json:"action" jsonschema:"fix_required, no_fix, withdraw, false_positive, or comment"`
	Reasoning         string  `json:"reasoning,omitempty" jsonschema:"Why this vote"`
	SuggestedSeverity string  `json:"suggested_severity,omitempty" jsonschema:"Optional revised severity"`
	Confidence        float64 `json:"confidence,omitempty" jsonschema:"Optional confidence weight, 0 to 1"`
}

func (s *Server) handleSubmitOpinion(
	ctx context.Context, req *mcp.CallToolRequest, args SubmitOpinionArgs,
) (*mcp.CallToolResult, IssueResult, error) {

	var confidence *float64
	if args.Confidence > 0 {
		confidence = &args.Confidence
	}

	issue, err := s.ctrl.SubmitOpinion(ctx, args.SessionID, args.IssueID, session.OpinionRequest{
		ModelID: args.ModelID, Token: args.Token, Action: domain.OpinionAction(args.Action),
		Reasoning: args.Reasoning, SuggestedSeverity: domain.Severity(args.SuggestedSeverity),
		Confidence: confidence,
	})
	if err != nil {
		return nil, IssueResult{}, err
	}

	return nil, issueResult(issue), nil
}

type RespondVerificationArgs struct {
	SessionID string `json:"session_id" jsonschema:"Session ID"`
	IssueID   string `json:"issue_id" jsonschema:"Issue ID"`
	ModelID   string `json:"model_id" jsonschema:"Raiser's model ID"`
	Action    string `json:"action" jsonschema:"accept, dispute, or partial"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"Why"`
}

type SessionRollupResult struct {
	Phase string `json:"phase"`
	Turn  int    `json:"turn"`
}

func (s *Server) handleRespondVerification(
	ctx context.Context, req *mcp.CallToolRequest, args RespondVerificationArgs,
) (*mcp.CallToolResult, SessionRollupResult, error) {

	sess, err := s.ctrl.RespondVerification(ctx, args.SessionID, args.IssueID, args.ModelID, args.Action, args.Reasoning)
	if err != nil {
		return nil, SessionRollupResult{}, err
	}

	return nil, SessionRollupResult{Phase: string(sess.Phase), Turn: sess.Turn}, nil
}

type GetStatusArgs struct {
	SessionID string `json:"session_id" jsonschema:"Session ID"`
}

type StatusResult struct {
	Phase      string   `json:"phase"`
	Turn       int      `json:"turn"`
	AgentIDs   []string `json:"agent_ids"`
	IssueCount int      `json:"issue_count"`
}

func (s *Server) handleGetStatus(
	ctx context.Context, req *mcp.CallToolRequest, args GetStatusArgs,
) (*mcp.CallToolResult, StatusResult, error) {

	sess, err := s.ctrl.GetSession(args.SessionID)
	if err != nil {
		return nil, StatusResult{}, err
	}

	issues, err := s.ctrl.ListIssues(ctx, args.SessionID)
	if err != nil {
		return nil, StatusResult{}, err
	}

	ids := make([]string, 0, len(sess.Agents))
	for _, a := range sess.Agents {
		ids = append(ids, a.ModelID)
	}

	return nil, StatusResult{
		Phase: string(sess.Phase), Turn: sess.Turn, AgentIDs: ids, IssueCount: len(issues),
	}, nil
}

type DismissIssueArgs struct {
	SessionID string `json:"session_id" jsonschema:"Session ID"`
	IssueID   string `json:"issue_id" jsonschema:"Issue ID"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"Why this issue is dismissed"`
}

func (s *Server) handleDismissIssue(
	ctx context.Context, req *mcp.CallToolRequest, args DismissIssueArgs,
) (*mcp.CallToolResult, IssueResult, error) {

	issue, err := s.ctrl.Dismiss(ctx, args.SessionID, args.IssueID, args.Reasoning)
	if err != nil {
		return nil, IssueResult{}, err
	}

	return nil, issueResult(issue), nil
}

type AssistConverseArgs struct {
	SessionID string `json:"session_id" jsonschema:"Session ID"`
	IssueID   string `json:"issue_id" jsonschema:"Issue ID"`
	Token     string `json:"token" jsonschema:"Human-assist token"`
	Message   string `json:"message" jsonschema:"Message to the assist helper"`
}

type AssistConverseResult struct {
	Reply      string `json:"reply"`
	CLICommand string `json:"cli_command,omitempty"`
}

func (s *Server) handleAssistConverse(
	ctx context.Context, req *mcp.CallToolRequest, args AssistConverseArgs,
) (*mcp.CallToolResult, AssistConverseResult, error) {

	messages, cliCommand, err := s.ctrl.Converse(ctx, args.SessionID, args.IssueID, args.Token, args.Message)
	if err != nil {
		return nil, AssistConverseResult{}, err
	}

	var reply string
	if len(messages) > 0 {
		reply = messages[len(messages)-1].Content
	}

	return nil, AssistConverseResult{Reply: reply, CLICommand: cliCommand}, nil
}
