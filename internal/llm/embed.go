package llm

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
)

// DefaultLocalDimensions is the width of local embeddings.
const DefaultLocalDimensions = 512

var stopwords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`the a an and or but in on at to for of with by from as is was are were been
		be have has had do does did will would could should may might must shall can it its this that these
		those we they you what which who when where how all each every some such no not only so than too very
		just also into onto via per our their there here then`) {
		m[w] = true
	}
	return m
}()

func isStopword(w string) bool { return stopwords[w] }

// Tokenize lowercases text and splits it into words of two or more runes.
// Hyphens and underscores stay inside words.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-_")
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// Terms returns the distinct non-stopword tokens of text in first-seen order.
func Terms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range Tokenize(text) {
		if isStopword(w) || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// topical groups boost documents that talk about the same broad concern.
var topical = [][]string{
	{"api", "endpoint", "http", "request", "response", "client", "server", "service"},
	{"database", "store", "storage", "query", "table", "index", "record", "persist"},
	{"test", "tests", "verify", "validate", "validation", "check", "assert", "pass", "fail"},
	{"order", "orders", "invoice", "customer", "payment", "account", "inventory", "warehouse"},
	{"deploy", "release", "build", "pipeline", "ci", "rollout"},
	{"error", "failure", "retry", "timeout", "blocked", "bug", "fix"},
	{"plan", "milestone", "design", "component", "pattern", "architecture"},
	{"user", "operator", "admin", "team", "role", "permission"},
}

// LocalEmbedder produces deterministic embeddings on-device from hashed word
// n-grams, character trigrams and topical groups. Vectors are unit length.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder returns a LocalEmbedder of DefaultLocalDimensions.
func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{dims: DefaultLocalDimensions}
}

// Dimensions implements EmbeddingPort.
func (e *LocalEmbedder) Dimensions() int { return e.dims }

// Embed implements EmbeddingPort.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, FromContext(err)
	}
	return e.vector(text), nil
}

func (e *LocalEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	words := Tokenize(text)
	if len(words) == 0 {
		return v
	}

	// Word n-grams take the first 70% of the vector, characters the next 20%,
	// topical groups the rest.
	wordDims := e.dims * 7 / 10
	charDims := e.dims * 2 / 10
	grams := v[:wordDims]
	chars := v[wordDims : wordDims+charDims]
	topics := v[wordDims+charDims:]

	for n := 1; n <= 3; n++ {
		weight := 1 / float32(n)
		for i := 0; i+n <= len(words); i++ {
			gram := words[i : i+n]
			if n == 1 && isStopword(gram[0]) {
				continue
			}
			key := strings.Join(gram, " ")
			grams[bucket(key, len(grams))] += weight
			grams[bucket(key+"#", len(grams))] -= weight / 2
		}
	}

	lower := strings.ToLower(text)
	for i := 0; i+3 <= len(lower); i++ {
		chars[bucket("c:"+lower[i:i+3], len(chars))] += 0.1
	}

	for _, w := range words {
		for g, group := range topical {
			if g >= len(topics) {
				break
			}
			for _, kw := range group {
				if w == kw {
					topics[g] += 1 / float32(len(words))
				}
			}
		}
	}

	Normalize(v)
	return v
}

func bucket(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FallbackEmbedder uses primary until it fails once, then stays on the local
// embedder for the rest of the process.
type FallbackEmbedder struct {
	primary  EmbeddingPort
	fallback *LocalEmbedder
	logger   *slog.Logger

	mu     sync.Mutex
	failed bool
}

// NewFallbackEmbedder wraps primary.
func NewFallbackEmbedder(primary EmbeddingPort, logger *slog.Logger) *FallbackEmbedder {
	return &FallbackEmbedder{primary: primary, fallback: NewLocalEmbedder(), logger: slogutil.OrDiscard(logger)}
}

func (f *FallbackEmbedder) useFallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// Embed implements EmbeddingPort.
func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.useFallback() {
		return f.fallback.Embed(ctx, text)
	}
	v, err := f.primary.Embed(ctx, text)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return nil, FromContext(ctx.Err())
	}
	f.logger.Warn("primary embedder failed, falling back to local", "error", err)
	f.mu.Lock()
	f.failed = true
	f.mu.Unlock()
	return f.fallback.Embed(ctx, text)
}

// Dimensions implements EmbeddingPort.
func (f *FallbackEmbedder) Dimensions() int {
	if f.useFallback() {
		return f.fallback.Dimensions()
	}
	return f.primary.Dimensions()
}
