package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the project's current phase",
	Long: `Run the engine of the project's current phase, store its artifacts and,
when the phase is satisfied, hand over to the next phase. A new project
starts in ANALYZE.

With --phase the project pointer is moved to that phase instead; no engine
runs and no artifact is removed. Moving to ANALYZE starts a new cycle.

ANALYZE reads the requirement from --requirement or --input. IMPLEMENT
reads a YAML status update:

  components:
    order-validator: implemented
  tests:
    "*": pass

Examples:
  apm run --project orders --requirement "Automatically validate incoming orders."
  apm run --project orders
  apm run --project orders --input status.yaml
  apm run --project orders --phase ANALYZE`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		target, _ := cmd.Flags().GetString("phase")
		requirement, _ := cmd.Flags().GetString("requirement")
		inputPath, _ := cmd.Flags().GetString("input")
		return runRun(cmd, project, target, requirement, inputPath)
	},
}

func init() {
	runCmd.Flags().String("project", "", "Project id (required)")
	runCmd.Flags().String("phase", "", "Move the project to this phase instead of running")
	runCmd.Flags().String("requirement", "", "Requirement text for ANALYZE")
	runCmd.Flags().String("input", "", "File with the phase input; - reads stdin")
}

func runRun(cmd *cobra.Command, project, target, requirement, inputPath string) error {
	if err := requireProject(project); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	coord := a.coordinator()
	out := cmd.OutOrStdout()

	if target != "" {
		p, err := phase.Parse(target)
		if err != nil {
			return fmt.Errorf("--phase: %w", err)
		}
		proj, err := coord.ResetTo(ctx, project, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ %s moved to %s (cycle %d)\n", proj.ID, proj.CurrentPhase, proj.Cycle)
		return nil
	}

	input, err := readInput(cmd.InOrStdin(), requirement, inputPath)
	if err != nil {
		return err
	}
	outcome, err := coord.RunCurrent(ctx, project, input)
	if err != nil {
		return err
	}
	printOutcome(out, outcome)
	return nil
}

func readInput(stdin io.Reader, text, path string) (string, error) {
	switch {
	case text != "" && path != "":
		return "", fmt.Errorf("use either --requirement or --input, not both")
	case path == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(data), nil
	}
	return text, nil
}

func printOutcome(w io.Writer, o *workflow.Outcome) {
	if o.Advanced {
		fmt.Fprintf(w, "✅ %s: %s → %s\n", o.Project, o.From, o.To)
	} else {
		fmt.Fprintf(w, "⏸  %s stays in %s\n", o.Project, o.From)
	}
	if o.Summary != "" {
		fmt.Fprintf(w, "   %s\n", o.Summary)
	}
	for _, a := range o.Artifacts {
		if a.Subject != "" {
			fmt.Fprintf(w, "   %-21s %s (%s v%d)\n", a.Kind, a.ID, a.Subject, a.Version)
		} else {
			fmt.Fprintf(w, "   %-21s %s (v%d)\n", a.Kind, a.ID, a.Version)
		}
	}
	if n := len(o.Clarifications); n > 0 {
		fmt.Fprintf(w, "   %d clarification(s) raised; see 'apm clarify --project %s'\n", n, o.Project)
	}
	if o.Handover != nil {
		fmt.Fprintf(w, "   Handover %s: %s\n", o.Handover.ID, strings.TrimSpace(o.Handover.Summary))
	}
	if o.Incomplete {
		fmt.Fprintln(w, "⚠️  The language model failed; artifacts are marked incomplete.")
	}
	if o.Degraded {
		fmt.Fprintln(w, "⚠️  Retrieval was degraded; artifacts are marked degraded.")
	}
}
