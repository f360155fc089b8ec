package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JochenWeerda/valeo-apm/internal/store"
)

var clarifyCmd = &cobra.Command{
	Use:   "clarify",
	Short: "List or answer clarification questions",
	Long: `List the clarification questions ANALYZE raised for a project, or answer
one. PLAN treats unanswered questions as risks.

Examples:
  apm clarify --project orders
  apm clarify --project orders --all
  apm clarify --project orders --id 3f2a... --answer "Orders come from the web shop API."`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		id, _ := cmd.Flags().GetString("id")
		answer, _ := cmd.Flags().GetString("answer")
		all, _ := cmd.Flags().GetBool("all")
		return runClarify(cmd.OutOrStdout(), project, id, answer, all)
	},
}

func init() {
	clarifyCmd.Flags().String("project", "", "Project id (required)")
	clarifyCmd.Flags().String("id", "", "Clarification to answer")
	clarifyCmd.Flags().String("answer", "", "Answer text")
	clarifyCmd.Flags().Bool("all", false, "Include answered clarifications")
}

func runClarify(w io.Writer, project, id, answer string, all bool) error {
	if err := requireProject(project); err != nil {
		return err
	}
	if (id == "") != (answer == "") {
		return fmt.Errorf("--id and --answer go together")
	}
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.project(ctx, project); err != nil {
		return err
	}

	if id != "" {
		if err := a.store.ResolveClarification(ctx, project, id, answer); err != nil {
			return err
		}
		fmt.Fprintf(w, "✅ Answered %s\n", id)
		return nil
	}

	items, err := a.store.ListClarifications(ctx, project, store.ClarificationFilter{UnresolvedOnly: !all})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "No open clarifications.")
		return nil
	}
	for _, c := range items {
		mark := "?"
		if c.Resolved {
			mark = "✓"
		}
		fmt.Fprintf(w, "%s %s  %s\n", mark, c.ID, c.Question)
		if c.Resolved {
			fmt.Fprintf(w, "    → %s\n", c.Answer)
		}
	}
	return nil
}
