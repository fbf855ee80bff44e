package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/delta/pkg/delta/engine"
	"github.com/jholhewres/delta/pkg/delta/journal"
)

// newJournalCmd creates the `delta journal` command that pretty-prints a
// run's event log for humans. Read-only: it never opens the journal for
// append.
func newJournalCmd() *cobra.Command {
	var (
		workspace string
		runID     string
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect a run's journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				var err error
				workspace, err = os.Getwd()
				if err != nil {
					return err
				}
			}

			dir := engine.RunDir{WorkspaceDir: workspace, RunID: runID}
			events, err := journal.ReadFile(dir.JournalPath())
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("%4d  %-22s %s  %s\n", ev.Seq, ev.Type, ev.Timestamp, digest(ev))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current directory)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (required)")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// digest renders a one-line human summary of an event payload.
func digest(ev journal.Event) string {
	switch ev.Type {
	case journal.EventRunStart:
		var p journal.RunStartPayload
		if journal.DecodePayload(ev, &p) == nil {
			return truncate(p.Task, 80)
		}
	case journal.EventThought:
		var p journal.ThoughtPayload
		if journal.DecodePayload(ev, &p) == nil {
			return truncate(p.Content, 80)
		}
	case journal.EventActionRequest:
		var p journal.ActionRequestPayload
		if journal.DecodePayload(ev, &p) == nil {
			return fmt.Sprintf("%s  %s", p.ToolName, truncate(p.ResolvedCommand, 60))
		}
	case journal.EventActionResult:
		var p journal.ActionResultPayload
		if journal.DecodePayload(ev, &p) == nil {
			return fmt.Sprintf("%s  %s", p.Status, truncate(p.ObservationContent, 60))
		}
	case journal.EventSystemMessage:
		var p journal.SystemMessagePayload
		if journal.DecodePayload(ev, &p) == nil {
			return fmt.Sprintf("%s  %s", p.Level, truncate(p.Message, 70))
		}
	case journal.EventHookExecutionAudit:
		var p journal.HookExecutionAuditPayload
		if journal.DecodePayload(ev, &p) == nil {
			return fmt.Sprintf("%s  %s  %dms", p.HookName, p.Status, p.DurationMs)
		}
	case journal.EventRunEnd:
		var p journal.RunEndPayload
		if journal.DecodePayload(ev, &p) == nil {
			return fmt.Sprintf("%s  %s", p.Status, truncate(p.FinalResponse, 60))
		}
	}
	return ""
}
