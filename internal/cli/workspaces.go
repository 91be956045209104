package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/config"
	"github.com/kylesnowschwartz/hgnucomb-sub001/internal/workspace"
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "Inspect and clean up agent workspaces",
}

var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent workspaces in the repository",
	Args:  cobra.NoArgs,
	RunE:  runWorkspacesList,
}

var workspacesCleanupCmd = &cobra.Command{
	Use:   "cleanup <agent-id>",
	Short: "Remove an agent's workspace and branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacesCleanup,
}

func init() {
	workspacesCmd.PersistentFlags().String("repo", "", "Target repository (default: current directory)")
	workspacesCleanupCmd.Flags().Bool("force", false, "Discard unmerged commits on the agent's branch")
	workspacesCmd.AddCommand(workspacesListCmd, workspacesCleanupCmd)
	rootCmd.AddCommand(workspacesCmd)
}

func workspaceManager(cmd *cobra.Command) (*workspace.Manager, error) {
	repo, _ := cmd.Flags().GetString("repo")
	if repo == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repo = cwd
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := rootLogger(cmd, cfg.LogLevel)
	busAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return workspace.NewManager(repo, cfg.AgentCommand, busAddr, log), nil
}

func runWorkspacesList(cmd *cobra.Command, args []string) error {
	m, err := workspaceManager(cmd)
	if err != nil {
		return err
	}
	workspaces, err := m.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(workspaces) == 0 {
		fmt.Println(color(colorDim, "no agent workspaces"))
		return nil
	}
	for _, ws := range workspaces {
		branch := ws.Branch
		if branch == "" {
			branch = "(detached)"
		}
		fmt.Printf("%s  %s\n", color(styleBoldWhite, filepath.Base(ws.Path)), color(colorDim, branch))
	}
	return nil
}

func runWorkspacesCleanup(cmd *cobra.Command, args []string) error {
	m, err := workspaceManager(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if err := m.Remove(cmd.Context(), args[0], force); err != nil {
		return err
	}
	fmt.Printf("workspace for %s removed\n", args[0])
	return nil
}
