package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JochenWeerda/valeo-apm/internal/handover"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "apm %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a project's phase, handover and latest artifacts",
	Long: `Show the current phase and cycle, the active handover summary, the
number of open clarifications and the latest artifact id of every kind.
Without --project, list all projects.

Examples:
  apm status
  apm status --project orders`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return runStatus(cmd.OutOrStdout(), project)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List a project's artifacts",
	Long: `List a project's artifacts, newest first.

Examples:
  apm history --project orders
  apm history --project orders --kind CodeSpec
  apm history --project orders --handovers`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		kind, _ := cmd.Flags().GetString("kind")
		handovers, _ := cmd.Flags().GetBool("handovers")
		limit, _ := cmd.Flags().GetInt("limit")
		return runHistory(cmd.OutOrStdout(), project, kind, handovers, limit)
	},
}

func init() {
	statusCmd.Flags().String("project", "", "Project id")
	historyCmd.Flags().String("project", "", "Project id (required)")
	historyCmd.Flags().String("kind", "", "Only artifacts of this kind")
	historyCmd.Flags().Bool("handovers", false, "List handovers instead of artifacts")
	historyCmd.Flags().Int("limit", 0, "Maximum number of entries (0 = all)")
}

func runStatus(w io.Writer, project string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if project == "" {
		projects, err := a.store.ListProjects(ctx)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Fprintln(w, "No projects yet. Start one with 'apm run --project <id> --requirement \"...\"'.")
			return nil
		}
		fmt.Fprintf(w, "APM Projects (%d):\n", len(projects))
		for _, p := range projects {
			fmt.Fprintf(w, "  %-24s %-10s cycle %d  updated %s\n", p.ID, p.CurrentPhase, p.Cycle, p.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	}

	p, h, err := handover.NewManager(a.store, a.logger).State(ctx, project)
	if errors.Is(err, store.ErrNotFound) {
		return unknownProject(project)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Project %s\n", p.ID)
	fmt.Fprintf(w, "  Phase: %s (cycle %d)\n", p.CurrentPhase, p.Cycle)

	if h != nil {
		fmt.Fprintf(w, "  Handover: %s %s → %s: %s\n", h.ID, h.FromPhase, h.ToPhase, h.Summary)
		if h.Degraded {
			fmt.Fprintln(w, "  ⚠️  Handover was produced with degraded retrieval")
		}
	} else {
		fmt.Fprintln(w, "  Handover: none")
	}

	open, err := a.store.ListClarifications(ctx, p.ID, store.ClarificationFilter{UnresolvedOnly: true})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  Open clarifications: %d\n", len(open))

	fmt.Fprintln(w, "  Latest artifacts:")
	found := false
	for _, ph := range phase.Cycle {
		for _, k := range phase.Kinds(ph) {
			art, err := a.store.LatestArtifact(ctx, p.ID, k)
			if err != nil {
				return err
			}
			if art == nil {
				continue
			}
			found = true
			fmt.Fprintf(w, "    %-21s %s  %s\n", k, art.ID, art.ProducedAt.Format(time.RFC3339))
		}
	}
	if !found {
		fmt.Fprintln(w, "    (none)")
	}
	return nil
}

func runHistory(w io.Writer, project, kind string, handovers bool, limit int) error {
	if err := requireProject(project); err != nil {
		return err
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

	if handovers {
		hs, err := a.store.ListHandovers(ctx, project)
		if err != nil {
			return err
		}
		for i, h := range hs {
			if limit > 0 && i >= limit {
				break
			}
			fmt.Fprintf(w, "%s  %-8s %s → %-9s %s  %s\n", h.CreatedAt.Format(time.RFC3339), h.Status, h.FromPhase, h.ToPhase, h.ID, h.Summary)
		}
		return nil
	}

	f := store.ArtifactFilter{Project: project, Limit: limit}
	if kind != "" {
		k, err := phase.ParseKind(kind)
		if err != nil {
			return fmt.Errorf("--kind: %w", err)
		}
		f.Kinds = []phase.Kind{k}
	}
	arts, err := a.store.QueryArtifacts(ctx, f)
	if err != nil {
		return err
	}
	if len(arts) == 0 {
		fmt.Fprintln(w, "No artifacts.")
		return nil
	}
	for _, art := range arts {
		flags := ""
		if art.Incomplete {
			flags += " [incomplete]"
		}
		if art.Degraded {
			flags += " [degraded]"
		}
		subject := ""
		if art.Subject != "" {
			subject = " " + art.Subject
		}
		fmt.Fprintf(w, "%s  c%d %-9s %-21s %s v%d%s%s  %s\n",
			art.ProducedAt.Format(time.RFC3339), art.Cycle, art.Phase, art.Kind, art.ID, art.Version, subject, flags, art.Summary)
	}
	return nil
}
