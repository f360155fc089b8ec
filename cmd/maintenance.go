package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/workflow"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the retrieval index from the store",
	Long: `Drop and rebuild the lexical and vector index from stored artifacts and
memory records. Run it after an indexing warning or a provider change.

Examples:
  apm reindex`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error { return runReindex(cmd.OutOrStdout()) },
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check workflow invariants",
	Long: `Check that a project has at most one active handover, that handovers
follow the phase cycle, that every artifact has a predecessor-phase artifact
and that provenance stays within the project. Without --project, check all.

Examples:
  apm verify
  apm verify --project orders`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return runVerify(cmd.OutOrStdout(), project)
	},
}

func init() {
	verifyCmd.Flags().String("project", "", "Project id")
}

func runReindex(w io.Writer) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintln(w, "Rebuilding retrieval index...")
	n, err := a.search.Rebuild(ctx)
	if err != nil {
		return apmerr.Wrap(apmerr.Storage, err, "reindex")
	}
	counts, err := a.search.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✅ Indexed %d document(s)\n", n)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "   %-10s %d\n", k, counts[k])
	}
	return nil
}

func runVerify(w io.Writer, project string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var ids []string
	if project != "" {
		if _, err := a.project(ctx, project); err != nil {
			return err
		}
		ids = []string{project}
	} else {
		projects, err := a.store.ListProjects(ctx)
		if err != nil {
			return err
		}
		for _, p := range projects {
			ids = append(ids, p.ID)
		}
	}

	total := 0
	for _, id := range ids {
		violations, err := workflow.Verify(ctx, a.store, id)
		if err != nil {
			return err
		}
		if len(violations) == 0 {
			fmt.Fprintf(w, "✅ %s\n", id)
			continue
		}
		total += len(violations)
		for _, v := range violations {
			fmt.Fprintf(w, "❌ %s\n", v)
		}
	}
	if total > 0 {
		return apmerr.New(apmerr.InconsistentDesign, "%d invariant violation(s)", total)
	}
	fmt.Fprintf(w, "\nAll %d project(s) consistent.\n", len(ids))
	return nil
}

