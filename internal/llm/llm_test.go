package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPort struct {
	calls    int32
	failures int32
	kind     apmerr.Kind
}

func (f *flakyPort) Name() string { return "flaky" }

func (f *flakyPort) Generate(ctx context.Context, req Request) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return "", apmerr.New(f.kind, "attempt %d", n)
	}
	return "ok", nil
}

func noSleep(r *Retrying) *Retrying {
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return r
}

func TestRetry_RecoversFromTransient(t *testing.T) {
	p := &flakyPort{failures: 2, kind: apmerr.Transient}
	r := noSleep(WithRetry(p, 3, time.Millisecond, nil))

	out, err := r.Generate(context.Background(), Request{Phase: phase.Plan})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.EqualValues(t, 3, p.calls)
}

func TestRetry_ExhaustionEscalatesToPermanent(t *testing.T) {
	p := &flakyPort{failures: 10, kind: apmerr.Transient}
	r := noSleep(WithRetry(p, 3, time.Millisecond, nil))

	_, err := r.Generate(context.Background(), Request{Phase: phase.Plan})
	assert.True(t, apmerr.Is(err, apmerr.Permanent), "got %v", err)
	assert.EqualValues(t, 4, p.calls)
}

func TestRetry_PermanentAndTimeoutAreNotRetried(t *testing.T) {
	for _, kind := range []apmerr.Kind{apmerr.Permanent, apmerr.Timeout} {
		p := &flakyPort{failures: 10, kind: kind}
		r := noSleep(WithRetry(p, 3, time.Millisecond, nil))
		_, err := r.Generate(context.Background(), Request{})
		assert.Equal(t, kind, apmerr.KindOf(err))
		assert.EqualValues(t, 1, p.calls)
	}
}

func TestRetry_DeadlineDuringBackoff(t *testing.T) {
	p := &flakyPort{failures: 10, kind: apmerr.Transient}
	r := WithRetry(p, 5, time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Generate(ctx, Request{})
	assert.True(t, apmerr.Is(err, apmerr.Timeout), "got %v", err)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Classify(ctx, nil))
	assert.True(t, apmerr.Is(Classify(ctx, errors.New("reset by peer")), apmerr.Transient))
	assert.True(t, apmerr.Is(Classify(ctx, context.DeadlineExceeded), apmerr.Timeout))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, apmerr.Is(Classify(cancelled, errors.New("x")), apmerr.Cancelled))
}

func TestLocal_Generate(t *testing.T) {
	l := NewLocal()
	out, err := l.Generate(context.Background(), Request{
		Task:    "summarize order validation",
		Prompt:  "# Requirement\nAutomatically validate incoming orders. Keep the UI unchanged.",
		Context: []string{"Orders failed validation last cycle.", "Unrelated note about lunch."},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Automatically validate incoming orders.")
	assert.NotContains(t, out, "# Requirement")
}

func TestLocal_GenerateHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal().Generate(ctx, Request{Prompt: "x"})
	assert.True(t, apmerr.Is(err, apmerr.Cancelled))
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("One. Two!\n- Three\nv1.2 is out")
	assert.Equal(t, []string{"One.", "Two!", "Three", "v1.2 is out"}, got)
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"validate", "incoming", "orders"}, Terms("Validate the incoming orders, validate!"))
}

func TestLocalEmbedder(t *testing.T) {
	e := NewLocalEmbedder()
	ctx := context.Background()
	a, err := e.Embed(ctx, "validate incoming orders before fulfilment")
	require.NoError(t, err)
	b, _ := e.Embed(ctx, "order validation for incoming orders")
	c, _ := e.Embed(ctx, "quarterly marketing newsletter layout")
	again, _ := e.Embed(ctx, "validate incoming orders before fulfilment")

	assert.Len(t, a, DefaultLocalDimensions)
	assert.Equal(t, a, again)
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-5)
	assert.Greater(t, Cosine(a, b), Cosine(a, c))

	empty, _ := e.Embed(ctx, "")
	assert.Zero(t, Cosine(a, empty))
}

type brokenEmbedder struct{ calls int }

func (b *brokenEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	b.calls++
	return nil, errors.New("401 unauthorized")
}
func (b *brokenEmbedder) Dimensions() int { return 3 }

func TestFallbackEmbedder_Sticky(t *testing.T) {
	primary := &brokenEmbedder{}
	f := NewFallbackEmbedder(primary, nil)
	assert.Equal(t, 3, f.Dimensions())

	v, err := f.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, v, DefaultLocalDimensions)
	_, _ = f.Embed(context.Background(), "again")
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, DefaultLocalDimensions, f.Dimensions())
}

func TestOpenAI_StatusClassification(t *testing.T) {
	status := int32(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		code := int(atomic.LoadInt32(&status))
		if code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}
		if strings.HasSuffix(r.URL.Path, "/embeddings") {
			_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1,0.2]}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" planned "}}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAI(srv.URL, "sk-test", "m")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Generate(ctx, Request{Phase: phase.Plan, Prompt: "p"})
	assert.True(t, apmerr.Is(err, apmerr.Transient), "got %v", err)

	atomic.StoreInt32(&status, http.StatusBadRequest)
	_, err = c.Generate(ctx, Request{Phase: phase.Plan, Prompt: "p"})
	assert.True(t, apmerr.Is(err, apmerr.Permanent), "got %v", err)

	atomic.StoreInt32(&status, http.StatusOK)
	out, err := c.Generate(ctx, Request{Phase: phase.Plan, Prompt: "p", Context: []string{"grounding"}})
	require.NoError(t, err)
	assert.Equal(t, "planned", out)

	v, err := c.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, v)
}

func TestOpenAI_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client gives up; otherwise srv.Close blocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewOpenAI(srv.URL, "sk-test", "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, Request{Prompt: "p"})
	assert.True(t, apmerr.Is(err, apmerr.Timeout), "got %v", err)
}

func TestOpen(t *testing.T) {
	p, e, err := Open(config.LLMConfig{Provider: "local"}, nil)
	require.NoError(t, err)
	assert.Equal(t, LocalName, p.Name())
	assert.Equal(t, DefaultLocalDimensions, e.Dimensions())

	t.Setenv("APM_TEST_KEY", "")
	_, _, err = Open(config.LLMConfig{Provider: "openai", APIKeyEnv: "APM_TEST_KEY"}, nil)
	assert.Error(t, err)

	t.Setenv("APM_TEST_KEY", "sk")
	p, _, err = Open(config.LLMConfig{Provider: "OpenAI", APIKeyEnv: "APM_TEST_KEY", Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai:m", p.Name())

	_, _, err = Open(config.LLMConfig{Provider: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

func TestProducerID(t *testing.T) {
	assert.Equal(t, "engine/PLAN@local", ProducerID(phase.Plan, NewLocal()))
}
