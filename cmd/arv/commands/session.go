package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arvhq/arv/internal/domain"
)

var (
	createRepoPath  string
	createBase      string
	createHead      string
	createPresetIDs []string
)

// sessionCmd is the parent command for session lifecycle management.
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage review sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new review session",
	RunE:  runSessionCreate,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE:  runSessionList,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a session",
	RunE:  runSessionDelete,
}

func init() {
	sessionCreateCmd.Flags().StringVar(&createRepoPath, "repo", "", "Repository path (required)")
	sessionCreateCmd.Flags().StringVar(&createBase, "base", "", "Base revision (required)")
	sessionCreateCmd.Flags().StringVar(&createHead, "head", "", "Head revision (required)")
	sessionCreateCmd.Flags().StringSliceVar(&createPresetIDs, "preset", nil, "Named preset to include (repeatable)")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	if createRepoPath == "" || createBase == "" || createHead == "" {
		return fmt.Errorf("--repo, --base, and --head are required")
	}

	ctx := context.Background()
	client := newClient()

	var out map[string]string
	err := client.post(ctx, "/api/sessions", map[string]any{
		"repo_path":  createRepoPath,
		"base":       createBase,
		"head":       createHead,
		"preset_ids": createPresetIDs,
	}, &out)
	if err != nil {
		return err
	}

	return printResult(out)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client := newClient()

	var out []domain.Session
	if err := client.get(ctx, "/api/sessions", &out); err != nil {
		return err
	}
	return printResult(out)
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	sid, err := requireSession()
	if err != nil {
		return err
	}

	ctx := context.Background()
	client := newClient()
	if err := client.delete(ctx, "/api/sessions/"+sid); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}
