package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/delta/pkg/delta/agent"
	"github.com/jholhewres/delta/pkg/delta/engine"
	"github.com/jholhewres/delta/pkg/delta/journal"
	"github.com/jholhewres/delta/pkg/delta/llm"
)

// newRunCmd creates the `delta run` command that executes or resumes a run.
func newRunCmd() *cobra.Command {
	var (
		agentDir    string
		task        string
		runID       string
		workspace   string
		interactive bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute or resume an agent run",
		Long: `Execute an agent on a task, or resume a paused/interrupted run.

Examples:
  delta run --agent ./my-agent --task "summarize the logs"
  delta run --agent ./my-agent --task "deploy" -i          # inline ask_human
  delta run --agent ./my-agent --run-id 0198-... -w ./ws   # resume

Exit codes: 0 completed, 1 failed, 101 paused for human input.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			cfg, err := agent.LoadConfig(agentDir, logger)
			if err != nil {
				return err
			}
			manifest, err := agent.LoadManifest(cfg.AgentHome)
			if err != nil {
				return err
			}

			if workspace == "" {
				workspace, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("resolving workspace: %w", err)
				}
			}

			env := agent.LoadEnv(workspace, cfg.AgentHome, logger)
			apiKey, source := agent.ResolveAPIKey(env, logger)
			if source != "" {
				logger.Debug("API key resolved", "source", source)
			}
			client := llm.NewClient(env.BaseURL(), apiKey, logger)

			eng, err := engine.New(cfg, manifest, client, engine.Options{
				WorkspaceDir: workspace,
				RunID:        runID,
				Task:         task,
				AgentRef:     cfg.AgentHome,
				Interactive:  interactive,
				Force:        force,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			res := eng.Run(cmd.Context())
			switch res.Status {
			case journal.StatusCompleted:
				fmt.Println(res.FinalResponse)
				return nil
			case journal.StatusWaitingForInput:
				fmt.Fprintln(os.Stderr, "Run paused: waiting for human input.")
				fmt.Fprintf(os.Stderr, "Answer with: echo '<answer>' > %s/.delta/<run_id>/interaction/response.txt\n", workspace)
				return &ExitError{Code: engine.ExitWaitingForInput}
			default:
				if res.Err != nil {
					fmt.Fprintf(os.Stderr, "Run failed: %v\n", res.Err)
				}
				return &ExitError{Code: engine.ExitFailed}
			}
		},
	}

	cmd.Flags().StringVarP(&agentDir, "agent", "a", "", "agent root directory (required)")
	cmd.Flags().StringVarP(&task, "task", "t", "", "task for a new run")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (resume when it exists)")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "run working directory (default: current directory)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer ask_human inline on the terminal")
	cmd.Flags().BoolVar(&force, "force", false, "allow cross-host recovery of a RUNNING run")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}
