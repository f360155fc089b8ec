// Package llmtest provides a scripted llm.Port for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
)

// Forever makes a fault apply to every call.
const Forever = -1

type fault struct {
	kind  apmerr.Kind
	times int
	block bool
}

// Port answers through an inner port unless a fault is scripted for the
// request's phase.
type Port struct {
	inner llm.Port

	mu     sync.Mutex
	faults map[phase.Phase]*fault
	calls  []llm.Request
	reply  map[phase.Phase]string
}

// New returns a Port backed by the offline generator.
func New() *Port {
	return &Port{inner: llm.NewLocal(), faults: make(map[phase.Phase]*fault), reply: make(map[phase.Phase]string)}
}

// Name implements llm.Port.
func (p *Port) Name() string { return "scripted" }

// Fail makes the next times calls for ph fail with kind. Use Forever for all calls.
func (p *Port) Fail(ph phase.Phase, kind apmerr.Kind, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[ph] = &fault{kind: kind, times: times}
}

// Block makes calls for ph wait until their context ends.
func (p *Port) Block(ph phase.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[ph] = &fault{block: true, times: Forever}
}

// Reply makes calls for ph return text.
func (p *Port) Reply(ph phase.Phase, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply[ph] = text
}

// Reset clears scripted faults and replies.
func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = make(map[phase.Phase]*fault)
	p.reply = make(map[phase.Phase]string)
}

// Calls returns the requests seen so far.
func (p *Port) Calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many requests for ph were seen.
func (p *Port) CallCount(ph phase.Phase) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Phase == ph {
			n++
		}
	}
	return n
}

// Generate implements llm.Port.
func (p *Port) Generate(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	f := p.faults[req.Phase]
	var active *fault
	if f != nil && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		cp := *f
		active = &cp
	}
	reply, hasReply := p.reply[req.Phase]
	p.mu.Unlock()

	if active != nil {
		if active.block {
			<-ctx.Done()
			return "", llm.FromContext(ctx.Err())
		}
		return "", apmerr.New(active.kind, "scripted %s failure for %s", active.kind, req.Phase)
	}
	if hasReply {
		return reply, nil
	}
	return p.inner.Generate(ctx, req)
}
