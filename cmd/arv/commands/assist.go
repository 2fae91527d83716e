package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	assistIssueID string
	assistMessage string
)

var assistCmd = &cobra.Command{
	Use:   "assist",
	Short: "Send one turn to an issue's assist helper",
	RunE:  runAssist,
}

var (
	assistOpinionIssueID   string
	assistOpinionAction    string
	assistOpinionReasoning string
)

var assistOpinionCmd = &cobra.Command{
	Use:   "assist-opinion",
	Short: "Submit a synthetic opinion on behalf of the human reviewer",
	RunE:  runAssistOpinion,
}

var (
	connTestClientKind string
	connTestCLIPath    string
)

var connTestCmd = &cobra.Command{
	Use:   "connection-test",
	Short: "Verify a reviewer client can be reached, streaming progress as NDJSON",
	RunE:  runConnTest,
}

func init() {
	assistCmd.Flags().StringVar(&assistIssueID, "issue", "", "Issue ID (required)")
	assistCmd.Flags().StringVar(&assistMessage, "message", "", "Message to the assist helper (required)")

	assistOpinionCmd.Flags().StringVar(&assistOpinionIssueID, "issue", "", "Issue ID (required)")
	assistOpinionCmd.Flags().StringVar(&assistOpinionAction, "action", "", "comment, fix_required, or no_fix (required)")
	assistOpinionCmd.Flags().StringVar(&assistOpinionReasoning, "reasoning", "", "Why")

	connTestCmd.Flags().StringVar(&connTestClientKind, "client-kind", "claude-code", "claude-code, codex, or gemini")
	connTestCmd.Flags().StringVar(&connTestCLIPath, "cli-path", "", "Path to the client's CLI binary")
}

func runAssist(cmd *cobra.Command, args []string) error {
	if assistIssueID == "" || assistMessage == "" {
		return fmt.Errorf("--issue and --message are required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var out map[string]any
	path := fmt.Sprintf("/api/issues/%s/assist?session_id=%s", assistIssueID, sid)
	if err := newClient().post(ctx, path, map[string]any{"message": assistMessage}, &out); err != nil {
		return err
	}
	return printResult(out)
}

func runAssistOpinion(cmd *cobra.Command, args []string) error {
	if assistOpinionIssueID == "" || assistOpinionAction == "" {
		return fmt.Errorf("--issue and --action are required")
	}
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var out map[string]any
	path := fmt.Sprintf("/api/issues/%s/assist/opinion?session_id=%s", assistOpinionIssueID, sid)
	err = newClient().post(ctx, path, map[string]any{
		"action": assistOpinionAction, "reasoning": assistOpinionReasoning,
	}, &out)
	if err != nil {
		return err
	}
	return printResult(out)
}

// runConnTest streams the daemon's NDJSON connection-test response line by
// line, printing each frame as it arrives rather than buffering the whole
// body, since the whole point of the command is watching progress land.
func runConnTest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client := newClient()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.BaseURL+"/api/agents/connection-test", jsonBody(map[string]any{
			"client_kind": connTestClientKind, "cli_path": connTestCLIPath,
		}))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var frame map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if err := printResult(frame); err != nil {
			return err
		}
	}
	return scanner.Err()
}
