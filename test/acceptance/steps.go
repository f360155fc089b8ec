package acceptance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cucumber/godog"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/llm/llmtest"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/store"
	"github.com/JochenWeerda/valeo-apm/internal/workflow"
)

// TestContext holds state between steps
type TestContext struct {
	dir   string
	st    *store.Store
	svc   *retrieval.Service
	port  *llmtest.Port
	coord *workflow.Coordinator
	gate  *gate

	failAt  atomic.Int32
	inserts atomic.Int32

	lastProject     string
	lastOutcome     *workflow.Outcome
	lastErr         error
	concurrent      []error
	countBefore     int
	handoverBefore  string
	prevHandover    string

	// CLI run state
	lastCLIStdout   string
	lastCLIStderr   string
	lastCLIExitCode int
}

// gate holds generation for one phase until released.
type gate struct {
	llm.Port
	phase   phase.Phase
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gate) Generate(ctx context.Context, req llm.Request) (string, error) {
	if req.Phase == g.phase {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", llm.FromContext(ctx.Err())
		}
	}
	return g.Port.Generate(ctx, req)
}

func (tc *TestContext) cleanup(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
	if tc.st != nil {
		tc.st.Close()
	}
	if tc.dir != "" {
		os.RemoveAll(tc.dir)
	}
	return ctx, err
}

func (tc *TestContext) fault(op string) error {
	n := tc.failAt.Load()
	if n == 0 || op != store.OpInsertArtifact {
		return nil
	}
	if tc.inserts.Add(1) == n {
		return errors.New("simulated disk failure")
	}
	return nil
}

func (tc *TestContext) freshWorkspace() error {
	dir, err := os.MkdirTemp("", "apm-acceptance-*")
	if err != nil {
		return err
	}
	tc.dir = dir
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(dir, "apm.db"), store.WithFault(tc.fault))
	if err != nil {
		return err
	}
	tc.st = st
	svc, err := retrieval.New(ctx, st, llm.NewLocalEmbedder(), config.ModeBlended7030)
	if err != nil {
		return err
	}
	tc.svc = svc
	tc.port = llmtest.New()
	tc.coord = tc.newCoordinator(tc.port)
	return nil
}

func (tc *TestContext) newCoordinator(port llm.Port) *workflow.Coordinator {
	return workflow.New(tc.st, tc.svc, port,
		workflow.WithBackoff(time.Millisecond),
		workflow.WithDeadline(10*time.Second))
}

func (tc *TestContext) mustRun(project, input string) error {
	out, err := tc.coord.RunCurrent(context.Background(), project, input)
	if err != nil {
		return fmt.Errorf("setup run of %s failed: %w", project, err)
	}
	if !out.Advanced {
		return fmt.Errorf("setup run of %s stayed in %s", project, out.From)
	}
	return nil
}

func (tc *TestContext) projectAnalyzed(project, requirement string) error {
	return tc.mustRun(project, requirement)
}

func (tc *TestContext) projectReachedPhase(project, target, requirement string) error {
	want, err := phase.Parse(target)
	if err != nil {
		return err
	}
	if err := tc.mustRun(project, requirement); err != nil {
		return err
	}
	for i := 0; i < len(phase.Cycle); i++ {
		p, err := tc.st.GetProject(context.Background(), project)
		if err != nil {
			return err
		}
		if p.CurrentPhase == want {
			return nil
		}
		input := ""
		if p.CurrentPhase == phase.Implement {
			input = "components:\n  \"*\": implemented\ntests:\n  \"*\": pass\n"
		}
		if err := tc.mustRun(project, input); err != nil {
			return err
		}
	}
	return fmt.Errorf("project %s never reached %s", project, want)
}

func (tc *TestContext) ingestMemory(category, project, path, content string) error {
	cat, err := store.ParseCategory(category)
	if err != nil {
		return err
	}
	_, err = tc.svc.IngestMemory(context.Background(), &store.MemoryRecord{
		Category: cat,
		Path:     path,
		Project:  project,
		Content:  content,
	})
	return err
}

func (tc *TestContext) armStoreFault(n int) error {
	tc.inserts.Store(0)
	tc.failAt.Store(int32(n))
	return nil
}

func (tc *TestContext) disarmStoreFault() error {
	tc.failAt.Store(0)
	return nil
}

func (tc *TestContext) llmTimesOut(name string) error {
	p, err := phase.Parse(name)
	if err != nil {
		return err
	}
	tc.port.Fail(p, apmerr.Timeout, llmtest.Forever)
	return nil
}

func (tc *TestContext) llmHolds(name string) error {
	p, err := phase.Parse(name)
	if err != nil {
		return err
	}
	tc.gate = &gate{Port: tc.port, phase: p, entered: make(chan struct{}), release: make(chan struct{})}
	return nil
}

// snapshot records what a failed run must leave untouched.
func (tc *TestContext) snapshot(project string) error {
	ctx := context.Background()
	n, err := tc.st.CountArtifacts(ctx, project)
	if err != nil {
		return err
	}
	tc.countBefore = n
	h, err := tc.st.ActiveHandover(ctx, project)
	if err != nil {
		return err
	}
	tc.handoverBefore = ""
	if h != nil {
		tc.handoverBefore = h.ID
	}
	return nil
}

func (tc *TestContext) runProject(project string) error {
	return tc.runProjectWithRequirement(project, "")
}

func (tc *TestContext) runProjectWithRequirement(project, requirement string) error {
	if err := tc.snapshot(project); err != nil {
		return err
	}
	tc.prevHandover = tc.handoverBefore
	tc.lastProject = project
	tc.lastOutcome, tc.lastErr = tc.coord.RunCurrent(context.Background(), project, requirement)
	return nil
}

func (tc *TestContext) moveProject(project, target string) error {
	p, err := phase.Parse(target)
	if err != nil {
		return err
	}
	_, err = tc.coord.ResetTo(context.Background(), project, p)
	return err
}

func (tc *TestContext) runConcurrently(project, requirement string) error {
	if tc.gate == nil {
		return fmt.Errorf("no held phase; use 'the language model holds ... until released'")
	}
	coord := tc.newCoordinator(tc.gate)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := coord.RunCurrent(ctx, project, requirement)
		first <- err
	}()
	select {
	case <-tc.gate.entered:
	case err := <-first:
		return fmt.Errorf("first run finished before reaching the model: %v", err)
	case <-time.After(10 * time.Second):
		return fmt.Errorf("first run never reached the model")
	}
	_, second := coord.RunCurrent(ctx, project, requirement)
	close(tc.gate.release)
	tc.concurrent = []error{<-first, second}
	return nil
}

func (tc *TestContext) runSucceeded() error {
	if tc.lastErr != nil {
		return fmt.Errorf("expected success, got %v", tc.lastErr)
	}
	return nil
}

func (tc *TestContext) runFailedWithKind(kind string) error {
	if tc.lastErr == nil {
		return fmt.Errorf("expected a %s failure, run succeeded", kind)
	}
	if got := apmerr.KindOf(tc.lastErr); string(got) != kind {
		return fmt.Errorf("expected kind %s, got %s (%v)", kind, got, tc.lastErr)
	}
	return nil
}

func (tc *TestContext) errorReportsLastGood(phaseName, kind, lastKind string) error {
	if tc.lastErr == nil {
		return fmt.Errorf("no error recorded")
	}
	k, err := phase.ParseKind(lastKind)
	if err != nil {
		return err
	}
	project := tc.lastProject
	latest, err := tc.st.LatestArtifact(context.Background(), project, k)
	if err != nil {
		return err
	}
	if latest == nil {
		return fmt.Errorf("no %s for %s", k, project)
	}
	want := fmt.Sprintf("phase=%s, kind=%s, lastGood=%s", phaseName, kind, latest.ID)
	if !strings.Contains(tc.lastErr.Error(), want) {
		return fmt.Errorf("error %q does not contain %q", tc.lastErr.Error(), want)
	}
	return nil
}

func (tc *TestContext) runProducedKinds(list string) error {
	if tc.lastOutcome == nil {
		return fmt.Errorf("no outcome recorded")
	}
	seen := make(map[phase.Kind]bool)
	for _, a := range tc.lastOutcome.Artifacts {
		seen[a.Kind] = true
	}
	for _, name := range strings.Split(list, ",") {
		k, err := phase.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		if !seen[k] {
			return fmt.Errorf("run produced no %s", k)
		}
	}
	return nil
}

func (tc *TestContext) runRaisedClarifications(n int) error {
	if tc.lastOutcome == nil {
		return fmt.Errorf("no outcome recorded")
	}
	if len(tc.lastOutcome.Clarifications) < n {
		return fmt.Errorf("expected at least %d clarification(s), got %d", n, len(tc.lastOutcome.Clarifications))
	}
	return nil
}

func (tc *TestContext) exactlyOneSucceeded() error {
	ok := 0
	for _, err := range tc.concurrent {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		return fmt.Errorf("expected exactly one success, got %d (%v)", ok, tc.concurrent)
	}
	return nil
}

func (tc *TestContext) otherFailedWithKind(a, b string) error {
	for _, err := range tc.concurrent {
		if err == nil {
			continue
		}
		if k := string(apmerr.KindOf(err)); k == a || k == b {
			return nil
		}
		return fmt.Errorf("unexpected failure kind: %v", err)
	}
	return fmt.Errorf("no run failed")
}

func (tc *TestContext) projectInPhase(project, want string) error {
	p, err := tc.st.GetProject(context.Background(), project)
	if err != nil {
		return err
	}
	if string(p.CurrentPhase) != want {
		return fmt.Errorf("project %s is in %s, want %s", project, p.CurrentPhase, want)
	}
	return nil
}

func (tc *TestContext) projectInCycle(project string, want int) error {
	p, err := tc.st.GetProject(context.Background(), project)
	if err != nil {
		return err
	}
	if p.Cycle != want {
		return fmt.Errorf("project %s is in cycle %d, want %d", project, p.Cycle, want)
	}
	return nil
}

func (tc *TestContext) projectHasArtifacts(project string, n int, kind string) error {
	k, err := phase.ParseKind(kind)
	if err != nil {
		return err
	}
	arts, err := tc.st.QueryArtifacts(context.Background(), store.ArtifactFilter{Project: project, Kinds: []phase.Kind{k}})
	if err != nil {
		return err
	}
	if len(arts) != n {
		return fmt.Errorf("expected %d %s artifact(s), got %d", n, k, len(arts))
	}
	return nil
}

func (tc *TestContext) artifactCountUnchanged(project string) error {
	n, err := tc.st.CountArtifacts(context.Background(), project)
	if err != nil {
		return err
	}
	if n != tc.countBefore {
		return fmt.Errorf("artifact count changed from %d to %d", tc.countBefore, n)
	}
	return nil
}

func (tc *TestContext) activeHandover(project, from, to string) error {
	ctx := context.Background()
	n, err := tc.st.CountActiveHandovers(ctx, project)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("expected one active handover, got %d", n)
	}
	h, err := tc.st.ActiveHandover(ctx, project)
	if err != nil {
		return err
	}
	if string(h.FromPhase) != from || string(h.ToPhase) != to {
		return fmt.Errorf("active handover is %s → %s, want %s → %s", h.FromPhase, h.ToPhase, from, to)
	}
	p, err := tc.st.GetProject(ctx, project)
	if err != nil {
		return err
	}
	if p.CurrentHandover != h.ID {
		return fmt.Errorf("project points at handover %s, active is %s", p.CurrentHandover, h.ID)
	}
	return nil
}

func (tc *TestContext) handoverSummaryContains(project, text string) error {
	h, err := tc.st.ActiveHandover(context.Background(), project)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("no active handover for %s", project)
	}
	if !strings.Contains(h.Summary, text) {
		return fmt.Errorf("summary %q does not contain %q", h.Summary, text)
	}
	return nil
}

func (tc *TestContext) handoverUnchanged(project string) error {
	h, err := tc.st.ActiveHandover(context.Background(), project)
	if err != nil {
		return err
	}
	id := ""
	if h != nil {
		id = h.ID
	}
	if id != tc.handoverBefore {
		return fmt.Errorf("active handover changed from %q to %q", tc.handoverBefore, id)
	}
	return nil
}

func (tc *TestContext) previousHandoverArchived(project string) error {
	if tc.prevHandover == "" {
		return fmt.Errorf("no previous handover recorded for %s", project)
	}
	h, err := tc.st.GetHandover(context.Background(), tc.prevHandover)
	if err != nil {
		return err
	}
	if h.Status != store.HandoverArchived {
		return fmt.Errorf("handover %s is %s", h.ID, h.Status)
	}
	return nil
}

func (tc *TestContext) analysisCites(source string) error {
	if tc.lastOutcome == nil {
		return fmt.Errorf("no outcome recorded")
	}
	for _, a := range tc.lastOutcome.Artifacts {
		if a.Kind != phase.RequirementAnalysis {
			continue
		}
		for _, r := range a.References {
			if r.Source == source && r.ID != "" {
				return nil
			}
		}
		return fmt.Errorf("analysis %s cites no %s result: %+v", a.ID, source, a.References)
	}
	return fmt.Errorf("run produced no RequirementAnalysis")
}

func (tc *TestContext) projectVerifies(project string) error {
	violations, err := workflow.Verify(context.Background(), tc.st, project)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return fmt.Errorf("violations: %v", violations)
	}
	return nil
}

// ensureCLIBinary returns a built apm binary, building one when needed.
func ensureCLIBinary() (string, error) {
	binaryPath := os.Getenv("APM_TEST_BINARY")
	if binaryPath != "" {
		if _, err := os.Stat(binaryPath); err == nil {
			return binaryPath, nil
		}
	}
	out := filepath.Join(os.TempDir(), "apm-acceptance")
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}
	cmd := exec.Command("go", "build", "-o", out, ".")
	cmd.Dir = filepath.Join("..", "..")
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to build test binary: %w", err)
	}
	return out, nil
}

// splitArgs splits a command line on spaces, keeping double-quoted words together.
func splitArgs(line string) []string {
	var args []string
	var cur strings.Builder
	quoted, started := false, false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case r == ' ' && !quoted:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, cur.String())
	}
	return args
}

func (tc *TestContext) apmInstalled() error {
	if _, err := ensureCLIBinary(); err != nil {
		return err
	}
	if tc.dir == "" {
		dir, err := os.MkdirTemp("", "apm-acceptance-*")
		if err != nil {
			return err
		}
		tc.dir = dir
	}
	return nil
}

// runCLICommand runs an apm command line and stores stdout, stderr, exit code.
func (tc *TestContext) runCLICommand(cmdLine string) error {
	parts := splitArgs(cmdLine)
	if len(parts) < 2 || parts[0] != "apm" {
		return fmt.Errorf("not an apm command: %q", cmdLine)
	}
	binaryPath, err := ensureCLIBinary()
	if err != nil {
		return err
	}
	cmd := exec.Command(binaryPath, parts[1:]...)
	cmd.Dir = tc.dir
	cmd.Env = append(os.Environ(),
		"HOME="+tc.dir,
		"APM_STORE_ENDPOINT="+filepath.Join(tc.dir, "data", "apm.db"),
		"APM_LLM_PROVIDER=local",
		"APM_WORKFLOW_BACKOFFMILLIS=1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	tc.lastCLIStdout = stdout.String()
	tc.lastCLIStderr = stderr.String()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		tc.lastCLIExitCode = exitErr.ExitCode()
	case err != nil:
		tc.lastCLIExitCode = -1
		return err
	default:
		tc.lastCLIExitCode = 0
	}
	return nil
}

func (tc *TestContext) checkCommandSucceeded() error {
	if tc.lastCLIExitCode != 0 {
		return fmt.Errorf("expected exit code 0, got %d; stderr: %s", tc.lastCLIExitCode, tc.lastCLIStderr)
	}
	return nil
}

func (tc *TestContext) checkCommandFailed() error {
	if tc.lastCLIExitCode == 0 {
		return fmt.Errorf("expected command to fail but it succeeded; stdout: %s", tc.lastCLIStdout)
	}
	return nil
}

func (tc *TestContext) checkCommandFailedWithExitCode(code int) error {
	if tc.lastCLIExitCode != code {
		return fmt.Errorf("expected exit code %d, got %d; stderr: %s", code, tc.lastCLIExitCode, tc.lastCLIStderr)
	}
	return nil
}

func (tc *TestContext) outputShouldContain(text string) error {
	combined := tc.lastCLIStdout + tc.lastCLIStderr
	if !strings.Contains(combined, text) {
		return fmt.Errorf("output did not contain %q; stdout: %s stderr: %s", text, tc.lastCLIStdout, tc.lastCLIStderr)
	}
	return nil
}

func (tc *TestContext) errorShouldContain(text string) error {
	if !strings.Contains(tc.lastCLIStderr, text) {
		return fmt.Errorf("stderr did not contain %q; stderr: %s", text, tc.lastCLIStderr)
	}
	return nil
}
