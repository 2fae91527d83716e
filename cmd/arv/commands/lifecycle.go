package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arvhq/arv/internal/domain"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session's review round, spawning enabled reviewers",
	RunE:  runStart,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Resume in-flight sessions after a daemon restart",
	RunE:  runRestart,
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Advance a deliberating session to its next turn",
	RunE:  runProcess,
}

var finishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Finish a session, failing with exit 4 if unresolved issues remain",
	RunE:  runFinish,
}

var forceFinish bool

var fixCompleteCmd = &cobra.Command{
	Use:   "fix-complete",
	Short: "Record a fix commit covering one or more issues",
	RunE:  runFixComplete,
}

var (
	fixCommit string
	fixIssues []string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a session's phase, turn, agents, and reviews",
	RunE:  runStatus,
}

func init() {
	finishCmd.Flags().BoolVar(&forceFinish, "force", false, "Finish even with unresolved issues")

	fixCompleteCmd.Flags().StringVar(&fixCommit, "commit", "", "Fix commit SHA (required)")
	fixCompleteCmd.Flags().StringSliceVar(&fixIssues, "issue", nil, "Issue ID covered by the fix (repeatable)")
}

func runStart(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var sess domain.Session
	if err := newClient().post(ctx, "/api/sessions/"+sid+"/start", nil, &sess); err != nil {
		return err
	}
	return printResult(sess)
}

func runRestart(cmd *cobra.Command, args []string) error {
	// Restart recovers every in-flight session process-wide; the path's
	// {sid} segment is unused server-side but still required by the
	// route, so any placeholder value satisfies it.
	sid := sessionFlag
	if sid == "" {
		sid = "_"
	}

	ctx := context.Background()
	var out map[string]string
	if err := newClient().post(ctx, "/api/sessions/"+sid+"/restart", nil, &out); err != nil {
		return err
	}
	return printResult(out)
}

func runProcess(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var sess domain.Session
	if err := newClient().post(ctx, "/api/sessions/"+sid+"/process", nil, &sess); err != nil {
		return err
	}
	return printResult(sess)
}

func runFinish(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}

	path := "/api/sessions/" + sid + "/finish"
	if forceFinish {
		path += "?force=true"
	}

	ctx := context.Background()
	var sess domain.Session
	if err := newClient().post(ctx, path, nil, &sess); err != nil {
		return err
	}
	return printResult(sess)
}

func runFixComplete(cmd *cobra.Command, args []string) error {
	if fixCommit == "" {
		return fmt.Errorf("--commit is required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var sess domain.Session
	err = newClient().post(ctx, "/api/sessions/"+sid+"/fix-complete", map[string]any{
		"commit": fixCommit, "issue_ids": fixIssues,
	}, &sess)
	if err != nil {
		return err
	}
	return printResult(sess)
}

func runStatus(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var out map[string]any
	if err := newClient().get(ctx, "/api/sessions/"+sid+"/status", &out); err != nil {
		return err
	}
	return printResult(out)
}
