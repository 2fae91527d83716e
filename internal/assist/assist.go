// Package assist implements the helper-conversation half of the Assist
// Sub-engine (C9): producing a helper model's reply and a CLI command hint
// for one turn of a per-issue side conversation. It is isolated from the
// main deliberation thread — a Helper never touches consensus or phase
// state, the same separation the teacher's stop-hook-driven follow-up
// conversation in reviewSubActor keeps between a reviewer's YAML verdict
// and its free-form chat.
package assist

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	claudeagent "github.com/roasbeef/claude-agent-sdk-go"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/domain"
)

// Helper produces one turn of a per-issue assist conversation: the
// assistant's reply text, and an optional CLI command hint extracted from
// it (e.g. a ready-to-run `grep`/`sed` suggestion for the author to apply
// the fix).
type Helper interface {
	Reply(ctx context.Context, issue domain.Issue, history []domain.AssistMessage, message string) (reply, cliCommand string, err error)
}

// Config configures a ClaudeHelper.
type Config struct {
	// CLIPath is the path to the claude CLI binary, same knob as the
	// Reviewer Runner's.
	CLIPath string
}

// ClaudeHelper drives one-shot assist turns through the Claude Agent SDK,
// the same client the Reviewer Runner uses, but without its deadline,
// ring-buffer, or activity-event bookkeeping: an assist turn is a single
// request/response, not a supervised long-running subprocess.
type ClaudeHelper struct {
	cfg Config
}

// NewClaudeHelper returns a Helper backed by the Claude Agent SDK.
func NewClaudeHelper(cfg Config) *ClaudeHelper {
	return &ClaudeHelper{cfg: cfg}
}

// Reply launches a fresh one-shot client, sends the assembled prompt, and
// returns the assistant's final text plus any CLI command hint found in it.
func (h *ClaudeHelper) Reply(
	ctx context.Context, issue domain.Issue, history []domain.AssistMessage, message string,
) (string, string, error) {

	opts := []claudeagent.Option{
		claudeagent.WithCLIPath(h.cfg.CLIPath),
		claudeagent.WithSystemPrompt(assistSystemPrompt),
	}

	client, err := claudeagent.NewClient(opts...)
	if err != nil {
		return "", "", arverr.Wrap(arverr.KindSubprocess, err, "create assist client")
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return "", "", arverr.Wrap(arverr.KindSubprocess, err, "connect assist client")
	}

	prompt := buildAssistPrompt(issue, history, message)

	var reply string
	for msg := range client.Query(ctx, prompt) {
		switch m := msg.(type) {
		case claudeagent.AssistantMessage:
			if text := m.ContentText(); text != "" {
				reply = text
			}
		case claudeagent.ResultMessage:
			if m.IsError {
				reason := "assist helper reported an error"
				if len(m.Errors) > 0 {
					reason = m.Errors[0]
				}
				return "", "", arverr.New(arverr.KindSubprocess, reason)
			}
		}
	}

	if reply == "" {
		return "", "", arverr.New(arverr.KindSubprocess, "assist helper produced no reply")
	}

	return reply, extractCLICommand(reply), nil
}

const assistSystemPrompt = `You are a focused pair-programming assistant helping a developer resolve a single code review issue. Answer concisely. When a concrete shell command would help (running a test, grepping for a symbol, viewing a diff), put exactly one on its own line inside a single fenced block tagged ` + "`cli`" + `.`

// buildAssistPrompt assembles the prompt for one assist turn from the
// issue's context, the conversation so far, and the new message.
func buildAssistPrompt(issue domain.Issue, history []domain.AssistMessage, message string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Issue: %s\n", issue.Title)
	fmt.Fprintf(&sb, "File: %s", issue.File)
	if issue.LineStart != nil && issue.LineEnd != nil {
		fmt.Fprintf(&sb, " (lines %d-%d)", *issue.LineStart, *issue.LineEnd)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Severity: %s\n", issue.Severity)
	fmt.Fprintf(&sb, "Description: %s\n", issue.Description)
	if issue.Suggestion != "" {
		fmt.Fprintf(&sb, "Suggested fix: %s\n", issue.Suggestion)
	}

	if len(history) > 0 {
		sb.WriteString("\nConversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&sb, "%s: %s\n", turn.Role, turn.Content)
		}
	}

	fmt.Fprintf(&sb, "\nuser: %s\n", message)

	return sb.String()
}

var cliFence = regexp.MustCompile("(?s)```cli\\s*\\n(.*?)```")

// extractCLICommand pulls the first ```cli fenced block out of reply, the
// same fenced-block convention the teacher's extractJSON relies on for
// pulling a reviewer's structured verdict out of prose.
func extractCLICommand(reply string) string {
	m := cliFence.FindStringSubmatch(reply)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
