// Package workflow owns the phase state machine. A Coordinator runs the
// current phase's engine under a deadline and commits its artifacts, the
// handover and the pointer advance as one store transaction.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/engine"
	"github.com/JochenWeerda/valeo-apm/internal/handover"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

const (
	tracerName = "github.com/JochenWeerda/valeo-apm/internal/workflow"

	// leaseSlack keeps a lease alive past the engine deadline for the commit.
	leaseSlack = 30 * time.Second
	// leasePoll is the wait between lease attempts in wait mode.
	leasePoll = 100 * time.Millisecond

	defaultDeadline = 600 * time.Second
	defaultRetries  = 3
	defaultBackoff  = 200 * time.Millisecond
)

// Outcome reports one RunCurrent invocation.
type Outcome struct {
	Project        string
	From           phase.Phase
	To             phase.Phase
	Advanced       bool
	Artifacts      []*store.Artifact
	Clarifications []*store.ClarificationItem
	Handover       *store.Handover
	Incomplete     bool
	Degraded       bool
	Summary        string
}

// Coordinator serializes phase transitions per project.
type Coordinator struct {
	store     *store.Store
	retrieval *retrieval.Service
	port      llm.Port
	handovers *handover.Manager
	registry  *engine.Registry
	logger    *slog.Logger
	tracer    trace.Tracer

	deadline time.Duration
	retries  int
	backoff  time.Duration
	lockMode string
	holder   string
	k        int

	mu    sync.Mutex
	locks map[string]*projectLock
}

// projectLock is a one-slot semaphore shared by every caller currently
// holding or waiting for it. The entry is dropped when refs reaches zero.
type projectLock struct {
	sem  chan struct{}
	refs int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithDeadline bounds each engine run.
func WithDeadline(d time.Duration) Option {
	return func(c *Coordinator) { c.deadline = d }
}

// WithRetries sets how often Transient failures are retried.
func WithRetries(n int) Option {
	return func(c *Coordinator) { c.retries = n }
}

// WithBackoff sets the initial retry delay; it doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(c *Coordinator) { c.backoff = d }
}

// WithLockMode selects config.LockModeFail or config.LockModeWait.
func WithLockMode(mode string) Option {
	return func(c *Coordinator) { c.lockMode = mode }
}

// WithHolder names this coordinator in store leases.
func WithHolder(holder string) Option {
	return func(c *Coordinator) { c.holder = holder }
}

// WithRetrievalK sets the retrieval depth used by engines.
func WithRetrievalK(k int) Option {
	return func(c *Coordinator) { c.k = k }
}

// WithTracerProvider sets the OpenTelemetry provider. The global one is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracer = tp.Tracer(tracerName) }
}

// FromConfig maps the workflow and retrieval settings onto options.
func FromConfig(cfg *config.Config) []Option {
	return []Option{
		WithDeadline(cfg.Workflow.Deadline()),
		WithRetries(cfg.Workflow.Retries.Transient),
		WithBackoff(cfg.Workflow.Backoff()),
		WithLockMode(cfg.Workflow.LockMode),
		WithRetrievalK(cfg.Retrieval.K),
	}
}

// New returns a coordinator. The llm port is wrapped in the retry policy.
func New(st *store.Store, svc *retrieval.Service, port llm.Port, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		retrieval: svc,
		port:      port,
		deadline:  defaultDeadline,
		retries:   defaultRetries,
		backoff:   defaultBackoff,
		lockMode:  config.LockModeFail,
		locks:     make(map[string]*projectLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = slogutil.OrDiscard(c.logger)
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.holder == "" {
		c.holder = "apm-" + uuid.NewString()
	}
	c.handovers = handover.NewManager(st, c.logger)

	deps := engine.Deps{Store: st, LLM: llm.WithRetry(port, c.retries, c.backoff, c.logger), Logger: c.logger, K: c.k}
	if svc != nil {
		deps.Retrieval = svc
	}
	c.registry = engine.NewRegistry(deps)
	return c
}

// Handovers exposes the handover manager.
func (c *Coordinator) Handovers() *handover.Manager { return c.handovers }

// RunCurrent runs the engine of the project's current phase and, when the
// produced artifacts satisfy the phase, advances the pointer. The project is
// created in ANALYZE on first use. input is the requirement for ANALYZE and
// the status update for IMPLEMENT.
func (c *Coordinator) RunCurrent(ctx context.Context, project, input string) (*Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "workflow.RunCurrent", trace.WithAttributes(attribute.String("apm.project", project)))
	defer span.End()

	release, err := c.lock(ctx, project)
	if err != nil {
		return nil, c.fail(ctx, span, err, project, "", "")
	}
	defer release()

	proj, created, err := c.store.EnsureProject(ctx, project, "")
	if err != nil {
		return nil, c.fail(ctx, span, err, project, "", "")
	}
	if created {
		c.logger.Info("project created", "project", project)
	}
	current := proj.CurrentPhase
	span.SetAttributes(attribute.String("apm.phase", string(current)))
	lastGood := c.lastGood(ctx, project)

	eng, err := c.registry.For(current)
	if err != nil {
		return nil, c.fail(ctx, span, err, project, current, lastGood)
	}
	prior, err := c.prior(ctx, proj)
	if err != nil {
		return nil, c.fail(ctx, span, err, project, current, lastGood)
	}

	out, err := c.runEngine(ctx, eng, engine.Input{Project: proj, Prior: prior, Text: input})
	if err != nil {
		return nil, c.fail(ctx, span, err, project, current, lastGood)
	}

	advance := shouldAdvance(current, out)
	next := phase.Next(current)
	batch := &store.Batch{
		Project:        project,
		ExpectPhase:    current,
		Artifacts:      out.Artifacts,
		Clarifications: out.Clarifications,
	}
	var h *store.Handover
	if advance {
		h, err = c.handovers.Build(handover.Transition{
			Project:   project,
			From:      current,
			To:        next,
			Summary:   out.Summary,
			Artifacts: artifactIDs(out.Artifacts),
			Degraded:  out.Degraded,
			Sections:  out.Brief,
		})
		if err != nil {
			return nil, c.fail(ctx, span, apmerr.Wrap(apmerr.Engine, err, "render handover"), project, current, lastGood)
		}
		batch.Handover = h
		batch.Advance = &store.PhaseUpdate{To: next, NextCycle: current == phase.Reflect}
	}

	if err := c.commit(ctx, batch); err != nil {
		return nil, c.fail(ctx, span, err, project, current, lastGood)
	}
	c.index(ctx, out.Artifacts)

	outcome := &Outcome{
		Project:        project,
		From:           current,
		To:             current,
		Advanced:       advance,
		Artifacts:      out.Artifacts,
		Clarifications: out.Clarifications,
		Handover:       h,
		Incomplete:     out.Incomplete,
		Degraded:       out.Degraded,
		Summary:        out.Summary,
	}
	if advance {
		outcome.To = next
	}
	span.SetAttributes(attribute.Bool("apm.advanced", advance), attribute.Int("apm.artifacts", len(out.Artifacts)))
	c.logger.Info("phase run committed", "project", project, "phase", current, "advanced", advance,
		"artifacts", len(out.Artifacts), "incomplete", out.Incomplete, "degraded", out.Degraded)
	return outcome, nil
}

// ResetTo archives the active handover and moves the pointer to target
// without deleting artifacts. Re-entering ANALYZE from another phase starts a
// new cycle.
func (c *Coordinator) ResetTo(ctx context.Context, project string, target phase.Phase) (*store.Project, error) {
	ctx, span := c.tracer.Start(ctx, "workflow.ResetTo", trace.WithAttributes(
		attribute.String("apm.project", project), attribute.String("apm.phase", string(target))))
	defer span.End()

	if err := phase.Validate(target); err != nil {
		return nil, c.fail(ctx, span, apmerr.Wrap(apmerr.PreconditionMissing, err, "reset"), project, target, "")
	}
	release, err := c.lock(ctx, project)
	if err != nil {
		return nil, c.fail(ctx, span, err, project, target, "")
	}
	defer release()

	proj, _, err := c.store.EnsureProject(ctx, project, "")
	if err != nil {
		return nil, c.fail(ctx, span, err, project, target, "")
	}
	batch := &store.Batch{
		Project:       project,
		ExpectPhase:   proj.CurrentPhase,
		ArchiveActive: true,
		Advance:       &store.PhaseUpdate{To: target, NextCycle: target == phase.Analyze && proj.CurrentPhase != phase.Analyze},
	}
	if err := c.commit(ctx, batch); err != nil {
		return nil, c.fail(ctx, span, err, project, target, c.lastGood(ctx, project))
	}
	c.logger.Info("project reset", "project", project, "from", proj.CurrentPhase, "to", target)
	return c.store.GetProject(ctx, project)
}

// runEngine invokes eng under the configured deadline. An expired deadline
// discards whatever the engine returned.
func (c *Coordinator) runEngine(ctx context.Context, eng engine.Engine, in engine.Input) (*engine.Output, error) {
	ctx, span := c.tracer.Start(ctx, "engine.Run", trace.WithAttributes(attribute.String("apm.phase", string(eng.Phase()))))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()
	out, err := eng.Run(runCtx, in)
	if ctxErr := runCtx.Err(); ctxErr != nil {
		err = llm.FromContext(ctxErr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apmerr.KindOf(err)))
		return nil, err
	}
	if len(out.Artifacts) == 0 {
		return nil, apmerr.New(apmerr.Engine, "%s engine produced no artifact", eng.Phase())
	}
	span.SetAttributes(attribute.Bool("apm.incomplete", out.Incomplete), attribute.Bool("apm.degraded", out.Degraded))
	return out, nil
}

// shouldAdvance applies each phase's minimal completeness: ANALYZE, PLAN and
// REFLECT advance even when incomplete; CREATE and IMPLEMENT need a complete
// result, and IMPLEMENT also needs a report declaring overall complete.
func shouldAdvance(p phase.Phase, out *engine.Output) bool {
	if !out.Ready {
		return false
	}
	return !out.Incomplete || phase.AdvancesWhenIncomplete(p)
}

// prior resolves the seed artifact of the project's current phase.
func (c *Coordinator) prior(ctx context.Context, proj *store.Project) (*store.Artifact, error) {
	kinds := engine.PriorKinds(proj.CurrentPhase)
	arts, err := c.store.QueryArtifacts(ctx, store.ArtifactFilter{Project: proj.ID, Kinds: kinds, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(arts) == 0 {
		if engine.PriorRequired(proj.CurrentPhase) {
			return nil, apmerr.New(apmerr.PreconditionMissing, "no %s artifact to start %s from; run %s first",
				phase.Prev(proj.CurrentPhase), proj.CurrentPhase, phase.Prev(proj.CurrentPhase))
		}
		return nil, nil
	}
	return arts[0], nil
}

// commit writes b, retrying Transient store errors with backoff.
func (c *Coordinator) commit(ctx context.Context, b *store.Batch) error {
	ctx, span := c.tracer.Start(ctx, "store.Commit", trace.WithAttributes(attribute.Int("apm.artifacts", len(b.Artifacts))))
	defer span.End()

	delay := c.backoff
	for attempt := 0; ; attempt++ {
		err := c.store.Commit(ctx, b)
		if err == nil {
			return nil
		}
		if !apmerr.Is(err, apmerr.Transient) || attempt >= c.retries {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apmerr.KindOf(err)))
			if apmerr.Is(err, apmerr.Transient) {
				return apmerr.Wrap(apmerr.Storage, err, "commit retries exhausted")
			}
			return err
		}
		c.logger.Warn("commit failed, retrying", "project", b.Project, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return llm.FromContext(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// index projects committed artifacts into retrieval. Failures only log: the
// index can be rebuilt from the store.
func (c *Coordinator) index(ctx context.Context, arts []*store.Artifact) {
	if c.retrieval == nil {
		return
	}
	for _, a := range arts {
		if err := c.retrieval.IndexArtifact(ctx, a); err != nil {
			c.logger.Warn("indexing failed; run reindex", "project", a.Project, "artifact", a.ID, "error", err)
		}
	}
}

func (c *Coordinator) lastGood(ctx context.Context, project string) string {
	a, err := c.store.LastArtifact(ctx, project)
	if err != nil || a == nil {
		return ""
	}
	return a.ID
}

// fail annotates err for the operator and records it on the span.
func (c *Coordinator) fail(ctx context.Context, span trace.Span, err error, project string, p phase.Phase, lastGood string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if apmerr.KindOf(err) == "" {
			err = llm.FromContext(err)
		}
	}
	err = apmerr.WithContext(err, project, string(p), lastGood)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apmerr.KindOf(err)))
	c.logger.Warn("phase run failed", "project", project, "phase", p, "kind", apmerr.KindOf(err), "lastGood", lastGood, "error", err)
	return err
}

// lock takes the in-process project semaphore and the store lease. In fail
// mode a held lock returns Busy at once; in wait mode it waits for ctx.
func (c *Coordinator) lock(ctx context.Context, project string) (func(), error) {
	c.mu.Lock()
	pl, ok := c.locks[project]
	if !ok {
		pl = &projectLock{sem: make(chan struct{}, 1)}
		c.locks[project] = pl
	}
	pl.refs++
	c.mu.Unlock()

	if c.lockMode == config.LockModeWait {
		select {
		case pl.sem <- struct{}{}:
		case <-ctx.Done():
			c.unref(project, pl)
			return nil, apmerr.Wrap(apmerr.Busy, llm.FromContext(ctx.Err()), fmt.Sprintf("waiting for project %s", project))
		}
	} else {
		select {
		case pl.sem <- struct{}{}:
		default:
			c.unref(project, pl)
			return nil, apmerr.New(apmerr.Busy, "project %s has a run in progress", project)
		}
	}
	unlock := func() {
		<-pl.sem
		c.unref(project, pl)
	}

	ttl := c.deadline + leaseSlack
	for {
		err := c.store.AcquireLease(ctx, project, c.holder, ttl)
		if err == nil {
			break
		}
		if !apmerr.Is(err, apmerr.Busy) || c.lockMode != config.LockModeWait {
			unlock()
			return nil, err
		}
		select {
		case <-ctx.Done():
			unlock()
			return nil, err
		case <-time.After(leasePoll):
		}
	}
	return func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), project, c.holder); err != nil {
			c.logger.Warn("lease release failed", "project", project, "error", err)
		}
		unlock()
	}, nil
}

func (c *Coordinator) unref(project string, pl *projectLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl.refs--
	if pl.refs == 0 && c.locks[project] == pl {
		delete(c.locks, project)
	}
}

func artifactIDs(arts []*store.Artifact) []string {
	out := make([]string, len(arts))
	for i, a := range arts {
		out[i] = a.ID
	}
	return out
}
