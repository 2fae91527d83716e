package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arvhq/arv/internal/domain"
)

var (
	reportTitle       string
	reportSeverity    string
	reportFile        string
	reportLineStart   int
	reportLineEnd     int
	reportDescription string
	reportSuggestion  string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report a new review issue, authenticated as --model with --key",
	RunE:  runReport,
}

var (
	opinionIssueID           string
	opinionAction            string
	opinionReasoning         string
	opinionSuggestedSeverity string
	opinionConfidence        float64
)

var opinionCmd = &cobra.Command{
	Use:   "opinion",
	Short: "Submit a vote-bearing opinion on an issue",
	RunE:  runOpinion,
}

var (
	respondIssueID string
	respondAction  string
	respondReason  string
)

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Accept, dispute, or partially accept a fix during verification",
	RunE:  runRespond,
}

var (
	setStatusIssueID string
	setStatusValue   string
	setStatusReason  string
)

var setIssueStatusCmd = &cobra.Command{
	Use:   "set-status",
	Short: "Mark an issue fixed, wont_fix, or completed",
	RunE:  runSetIssueStatus,
}

var (
	dismissIssueID string
	dismissReason  string
)

var dismissCmd = &cobra.Command{
	Use:   "dismiss",
	Short: "Dismiss an issue unilaterally",
	RunE:  runDismiss,
}

func init() {
	reportCmd.Flags().StringVar(&reportTitle, "title", "", "Issue title (required)")
	reportCmd.Flags().StringVar(&reportSeverity, "severity", "", "critical, high, medium, or low")
	reportCmd.Flags().StringVar(&reportFile, "file", "", "Repo-relative file path (required)")
	reportCmd.Flags().IntVar(&reportLineStart, "line-start", 0, "Inclusive start line")
	reportCmd.Flags().IntVar(&reportLineEnd, "line-end", 0, "Inclusive end line")
	reportCmd.Flags().StringVar(&reportDescription, "description", "", "What is wrong (required)")
	reportCmd.Flags().StringVar(&reportSuggestion, "suggestion", "", "Suggested fix")

	opinionCmd.Flags().StringVar(&opinionIssueID, "issue", "", "Issue ID (required)")
	opinionCmd.Flags().StringVar(&opinionAction, "action", "", "fix_required, no_fix, withdraw, false_positive, or comment (required)")
	opinionCmd.Flags().StringVar(&opinionReasoning, "reasoning", "", "Why this vote")
	opinionCmd.Flags().StringVar(&opinionSuggestedSeverity, "suggested-severity", "", "Optional revised severity")
	opinionCmd.Flags().Float64Var(&opinionConfidence, "confidence", 0, "Optional confidence weight, 0 to 1")

	respondCmd.Flags().StringVar(&respondIssueID, "issue", "", "Issue ID (required)")
	respondCmd.Flags().StringVar(&respondAction, "action", "", "accept, dispute, or partial (required)")
	respondCmd.Flags().StringVar(&respondReason, "reasoning", "", "Why")

	setIssueStatusCmd.Flags().StringVar(&setStatusIssueID, "issue", "", "Issue ID (required)")
	setIssueStatusCmd.Flags().StringVar(&setStatusValue, "status", "", "fixed, wont_fix, or completed (required)")
	setIssueStatusCmd.Flags().StringVar(&setStatusReason, "reasoning", "", "Why")

	dismissCmd.Flags().StringVar(&dismissIssueID, "issue", "", "Issue ID (required)")
	dismissCmd.Flags().StringVar(&dismissReason, "reasoning", "", "Why this issue is dismissed")
}

func runReport(cmd *cobra.Command, args []string) error {
	if reportTitle == "" || reportFile == "" || reportDescription == "" {
		return fmt.Errorf("--title, --file, and --description are required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	body := map[string]any{
		"title": reportTitle, "severity": reportSeverity, "file": reportFile,
		"description": reportDescription, "suggestion": reportSuggestion,
	}
	if reportLineStart > 0 {
		body["line_start"] = reportLineStart
	}
	if reportLineEnd > 0 {
		body["line_end"] = reportLineEnd
	}

	ctx := context.Background()
	var issue domain.Issue
	err = newClient().postWithModel(ctx, "/api/sessions/"+sid+"/issues", body, &issue)
	if err != nil {
		return err
	}
	return printResult(issue)
}

func runOpinion(cmd *cobra.Command, args []string) error {
	if opinionIssueID == "" || opinionAction == "" {
		return fmt.Errorf("--issue and --action are required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	body := map[string]any{
		"model_id": arvModel, "action": opinionAction, "reasoning": opinionReasoning,
		"suggested_severity": opinionSuggestedSeverity,
	}
	if opinionConfidence > 0 {
		body["confidence"] = opinionConfidence
	}

	ctx := context.Background()
	var issue domain.Issue
	path := fmt.Sprintf("/api/issues/%s/opinions?session_id=%s", opinionIssueID, sid)
	if err := newClient().post(ctx, path, body, &issue); err != nil {
		return err
	}
	return printResult(issue)
}

func runRespond(cmd *cobra.Command, args []string) error {
	if respondIssueID == "" || respondAction == "" {
		return fmt.Errorf("--issue and --action are required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var sess domain.Session
	path := fmt.Sprintf("/api/issues/%s/respond?session_id=%s", respondIssueID, sid)
	err = newClient().postWithModel(ctx, path, map[string]any{
		"action": respondAction, "reasoning": respondReason,
	}, &sess)
	if err != nil {
		return err
	}
	return printResult(sess)
}

func runSetIssueStatus(cmd *cobra.Command, args []string) error {
	if setStatusIssueID == "" || setStatusValue == "" {
		return fmt.Errorf("--issue and --status are required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var issue domain.Issue
	path := fmt.Sprintf("/api/issues/%s/status?session_id=%s", setStatusIssueID, sid)
	err = newClient().post(ctx, path, map[string]any{
		"status": setStatusValue, "reasoning": setStatusReason,
	}, &issue)
	if err != nil {
		return err
	}
	return printResult(issue)
}

func runDismiss(cmd *cobra.Command, args []string) error {
	if dismissIssueID == "" {
		return fmt.Errorf("--issue is required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var issue domain.Issue
	path := fmt.Sprintf("/api/issues/%s/dismiss?session_id=%s", dismissIssueID, sid)
	if err := newClient().post(ctx, path, map[string]any{"reasoning": dismissReason}, &issue); err != nil {
		return err
	}
	return printResult(issue)
}
