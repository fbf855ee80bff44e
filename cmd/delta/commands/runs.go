package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/delta/pkg/delta/engine"
	"github.com/jholhewres/delta/pkg/delta/journal"
)

// newRunsCmd creates the `delta runs` command that lists runs in a
// workspace by scanning their metadata files.
func newRunsCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs in a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				var err error
				workspace, err = os.Getwd()
				if err != nil {
					return err
				}
			}

			ids, err := engine.ListRuns(workspace)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATUS\tITERATIONS\tSTARTED\tTASK")
			for _, id := range ids {
				dir := engine.RunDir{WorkspaceDir: workspace, RunID: id}
				meta, err := journal.NewMetadataStore(dir.MetadataPath()).Read()
				if err != nil {
					fmt.Fprintf(w, "%s\t(unreadable)\t\t\t\n", id)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					meta.RunID, meta.Status, meta.IterationsCompleted, meta.StartTime, truncate(meta.Task, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current directory)")
	return cmd
}

// truncate returns the first n characters of s, adding "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
