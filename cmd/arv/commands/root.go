package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// arvBase is the per-session API root, e.g. http://localhost:7420.
	arvBase string

	// arvKey is the agent's per-session access token (X-Agent-Key).
	arvKey string

	// arvModel is the claimed model ID a reviewer reports/responds as.
	arvModel string

	// sessionFlag is the session ID most subcommands operate against.
	sessionFlag string

	// outputFormat controls output rendering: text or json.
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "arv",
	Short: "arv reviewer CLI",
	Long: `arv is a pure REST client over arvd, the multi-agent code review
daemon. Reviewer subprocesses and operators use it to report issues, vote,
respond to verification, and drive a session's lifecycle.`,
}

// Execute runs the CLI and returns the process exit code established by
// §6's convention: 0 success, 1 client error, 2 server error,
// 3 unauthenticated, 4 conflict.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&arvBase, "base", os.Getenv("ARV_BASE"),
		"arvd API root (default: $ARV_BASE, falls back to http://localhost:7420)")
	rootCmd.PersistentFlags().StringVar(&arvKey, "key", os.Getenv("ARV_KEY"),
		"Agent access token (default: $ARV_KEY)")
	rootCmd.PersistentFlags().StringVar(&arvModel, "model", os.Getenv("ARV_MODEL"),
		"Claimed model ID (default: $ARV_MODEL)")
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "",
		"Session ID")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text",
		"Output format: text or json")

	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(finishCmd)
	rootCmd.AddCommand(fixCompleteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(opinionCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(setIssueStatusCmd)
	rootCmd.AddCommand(dismissCmd)
	rootCmd.AddCommand(assistCmd)
	rootCmd.AddCommand(assistOpinionCmd)
	rootCmd.AddCommand(connTestCmd)
}

// newClient builds a Client from the resolved global flags, defaulting
// --base to localhost:7420 the way §6 documents ARV_HOST's own default.
func newClient() *Client {
	base := arvBase
	if base == "" {
		base = "http://localhost:7420"
	}
	return NewClient(base, arvKey, arvModel)
}

// requireSession returns the --session flag value or errors if unset.
func requireSession() (string, error) {
	if sessionFlag == "" {
		return "", fmt.Errorf("--session is required (or set via the session subcommand's output)")
	}
	return sessionFlag, nil
}

// printResult renders v as indented JSON or, in text mode, as compact JSON
// (most arv output is structured and not worth a bespoke text renderer per
// command, the same terse approach the teacher's own outputJSON takes for
// anything beyond mail formatting).
func printResult(v any) error {
	if outputFormat == "json" {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
