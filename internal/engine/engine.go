// Package engine holds the five phase engines. Engines are stateless: they
// read prior artifacts and retrieval results, call the llm port for narrative
// and return the records to persist. Nothing here writes to the store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/handover"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// Reader is the read side of the artifact store used by engines.
type Reader interface {
	GetArtifact(ctx context.Context, id string) (*store.Artifact, error)
	QueryArtifacts(ctx context.Context, f store.ArtifactFilter) ([]*store.Artifact, error)
	LatestArtifact(ctx context.Context, project string, kind phase.Kind) (*store.Artifact, error)
	ListClarifications(ctx context.Context, project string, f store.ClarificationFilter) ([]*store.ClarificationItem, error)
}

// Retriever answers similarity queries.
type Retriever interface {
	Similar(ctx context.Context, q retrieval.Query) retrieval.Result
	// Compose merges several queries into one ranked, deduplicated result
	// of at most k hits.
	Compose(ctx context.Context, queries []retrieval.Query, k int) retrieval.Result
}

// Deps are the collaborators shared by every engine.
type Deps struct {
	Store     Reader
	Retrieval Retriever
	LLM       llm.Port
	Logger    *slog.Logger
	// K is the retrieval depth. Zero uses the service default.
	K int
}

// Input is one engine invocation.
type Input struct {
	Project *store.Project
	// Prior is the artifact that seeds the run. Nil only for ANALYZE.
	Prior *store.Artifact
	// Text is operator input: the requirement for ANALYZE, a YAML status
	// update for IMPLEMENT. Other phases ignore it.
	Text string
}

// Output is what a run produced. Nothing is persisted yet.
type Output struct {
	Artifacts      []*store.Artifact
	Clarifications []*store.ClarificationItem
	// Incomplete is set when the llm failed permanently.
	Incomplete bool
	// Degraded is set when retrieval answered degraded.
	Degraded bool
	// Ready reports whether the phase's own completion criterion holds,
	// e.g. an IMPLEMENT report declaring overall complete.
	Ready   bool
	Summary string
	Brief   handover.Sections
}

// Engine runs one phase.
type Engine interface {
	Phase() phase.Phase
	Run(ctx context.Context, in Input) (*Output, error)
}

// Registry resolves the engine for each phase.
type Registry struct {
	engines map[phase.Phase]Engine
}

// NewRegistry builds the five engines over deps.
func NewRegistry(deps Deps) *Registry {
	deps.Logger = slogutil.OrDiscard(deps.Logger)
	r := &Registry{engines: make(map[phase.Phase]Engine, len(phase.Cycle))}
	for _, p := range phase.Cycle {
		r.engines[p] = newEngine(p, deps)
	}
	return r
}

func newEngine(p phase.Phase, deps Deps) Engine {
	b := base{phase: p, deps: deps}
	switch p {
	case phase.Analyze:
		return &Analyzer{base: b}
	case phase.Plan:
		return &Planner{base: b}
	case phase.Create:
		return &Creator{base: b}
	case phase.Implement:
		return &Implementer{base: b}
	case phase.Reflect:
		return &Reflector{base: b}
	}
	panic(fmt.Sprintf("no engine for phase %q", p))
}

// For returns the engine of p.
func (r *Registry) For(p phase.Phase) (Engine, error) {
	e, ok := r.engines[p]
	if !ok {
		return nil, apmerr.New(apmerr.Engine, "no engine for phase %q", p)
	}
	return e, nil
}

// PriorKinds lists the kinds that can seed a run of p, most specific first.
// ANALYZE optionally reads the last ReflectionReport.
func PriorKinds(p phase.Phase) []phase.Kind {
	switch p {
	case phase.Analyze:
		return []phase.Kind{phase.ReflectionReport}
	case phase.Plan:
		return []phase.Kind{phase.RequirementAnalysis}
	case phase.Create:
		return []phase.Kind{phase.SolutionDesign}
	case phase.Implement:
		return phase.Kinds(phase.Create)
	case phase.Reflect:
		return []phase.Kind{phase.ImplementationReport}
	}
	return nil
}

// PriorRequired reports whether a run of p fails without a prior artifact.
func PriorRequired(p phase.Phase) bool {
	return p != phase.Analyze
}

// base carries what every engine shares.
type base struct {
	phase phase.Phase
	deps  Deps
}

func (b *base) Phase() phase.Phase { return b.phase }

func (b *base) producer() string { return llm.ProducerID(b.phase, b.deps.LLM) }

// checkpoint stops the run at a suspension point once ctx is done.
func checkpoint(ctx context.Context) error {
	return llm.FromContext(ctx.Err())
}

// similar runs a retrieval query and returns the hits with the degraded flag.
func (b *base) similar(ctx context.Context, q retrieval.Query) ([]retrieval.Hit, bool, error) {
	if b.deps.Retrieval == nil {
		return nil, false, nil
	}
	if q.K == 0 {
		q.K = b.deps.K
	}
	res := b.deps.Retrieval.Similar(ctx, q)
	if err := checkpoint(ctx); err != nil {
		return nil, false, err
	}
	if res.Degraded {
		b.deps.Logger.Warn("retrieval degraded", "phase", b.phase, "project", q.Filter.Project)
	}
	return res.Hits, res.Degraded, nil
}

func (b *base) compose(ctx context.Context, queries ...retrieval.Query) ([]retrieval.Hit, bool, error) {
	if b.deps.Retrieval == nil {
		return nil, false, nil
	}
	res := b.deps.Retrieval.Compose(ctx, queries, b.deps.K)
	if err := checkpoint(ctx); err != nil {
		return nil, false, err
	}
	if res.Degraded && len(queries) > 0 {
		b.deps.Logger.Warn("retrieval degraded", "phase", b.phase, "project", queries[0].Filter.Project)
	}
	return res.Hits, res.Degraded, nil
}

// narrate asks the llm for prose. A permanent failure, or a transient one the
// retry policy already gave up on, marks the output incomplete instead of
// failing. Deadline and cancellation abort the run.
func (b *base) narrate(ctx context.Context, task string, data any, passages []string) (string, bool, error) {
	if b.deps.LLM == nil {
		return "", true, nil
	}
	prompt, err := render(task, data)
	if err != nil {
		return "", false, apmerr.Wrap(apmerr.Engine, err, "render prompt")
	}
	text, err := b.deps.LLM.Generate(ctx, llm.Request{Phase: b.phase, Task: task, Prompt: prompt, Context: passages})
	if err == nil {
		return text, false, checkpoint(ctx)
	}
	if ctxErr := checkpoint(ctx); ctxErr != nil {
		return "", false, ctxErr
	}
	switch apmerr.KindOf(err) {
	case apmerr.Permanent, apmerr.Transient:
		b.deps.Logger.Warn("llm failed, artifact marked incomplete", "phase", b.phase, "task", task, "error", err)
		return "", true, nil
	case apmerr.Timeout, apmerr.Cancelled:
		return "", false, err
	}
	return "", false, apmerr.Wrap(apmerr.Engine, err, "llm "+task)
}

// lineage walks parent links from a up to the first artifact of each kind.
func (b *base) lineage(ctx context.Context, a *store.Artifact) (map[phase.Kind]*store.Artifact, error) {
	out := make(map[phase.Kind]*store.Artifact)
	seen := make(map[string]bool)
	for cur := a; cur != nil && !seen[cur.ID]; {
		seen[cur.ID] = true
		if _, ok := out[cur.Kind]; !ok {
			out[cur.Kind] = cur
		}
		if cur.Parent == "" {
			break
		}
		next, err := b.deps.Store.GetArtifact(ctx, cur.Parent)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return out, nil
}

// ancestor returns the nearest ancestor of kind, failing with PreconditionMissing.
func (b *base) ancestor(ctx context.Context, a *store.Artifact, kind phase.Kind) (*store.Artifact, error) {
	chain, err := b.lineage(ctx, a)
	if err != nil {
		return nil, err
	}
	if found, ok := chain[kind]; ok {
		return found, nil
	}
	return nil, apmerr.New(apmerr.PreconditionMissing, "no %s in the lineage of %s %s", kind, a.Kind, a.ID)
}

func requirePrior(in Input, kinds ...phase.Kind) error {
	if in.Prior == nil {
		return apmerr.New(apmerr.PreconditionMissing, "no prior artifact supplied")
	}
	for _, k := range kinds {
		if in.Prior.Kind == k {
			return nil
		}
	}
	return apmerr.New(apmerr.PreconditionMissing, "prior artifact %s is a %s, want one of %v", in.Prior.ID, in.Prior.Kind, kinds)
}

func hitRefs(hits []retrieval.Hit) []store.Reference {
	seen := make(map[string]bool, len(hits))
	var out []store.Reference
	for _, h := range hits {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h.Reference())
	}
	return out
}

func hitTexts(hits []retrieval.Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Text)
	}
	return out
}

// newArtifact returns an artifact with a pre-assigned id so clarifications,
// handovers and sibling payloads can reference it before commit.
func (b *base) newArtifact(in Input, kind phase.Kind, subject, summary string, payload any) (*store.Artifact, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, apmerr.Wrap(apmerr.Engine, err, "encode "+string(kind))
	}
	a := &store.Artifact{
		ID:         store.NewID(),
		Project:    in.Project.ID,
		Phase:      b.phase,
		Kind:       kind,
		Subject:    subject,
		ProducedBy: b.producer(),
		Summary:    summary,
		Payload:    raw,
	}
	if in.Prior != nil {
		a.Parent = in.Prior.ID
	}
	return a, nil
}

func stamp(arts []*store.Artifact, incomplete, degraded bool) {
	for _, a := range arts {
		a.Incomplete = incomplete
		a.Degraded = degraded
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
