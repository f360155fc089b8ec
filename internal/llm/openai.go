package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
)

// OpenAIName is the provider id of the OpenAI-compatible backend.
const OpenAIName = "openai"

const (
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenAIModel       = "gpt-4o-mini"
	defaultEmbeddingModel    = "text-embedding-3-small"
	defaultEmbeddingDims     = 1536
	defaultOpenAIHTTPTimeout = 60 * time.Second
)

// OpenAI talks to any server implementing the OpenAI chat completions and
// embeddings endpoints.
type OpenAI struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	dims           int
	client         *http.Client
}

// OpenAIOption configures an OpenAI client.
type OpenAIOption func(*OpenAI)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAI) { o.client = c }
}

// WithEmbeddingModel sets the embedding model and its vector width.
func WithEmbeddingModel(model string, dims int) OpenAIOption {
	return func(o *OpenAI) {
		o.embeddingModel = model
		o.dims = dims
	}
}

// NewOpenAI returns a client. An empty baseURL or model selects the defaults.
func NewOpenAI(baseURL, apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key not set")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	o := &OpenAI{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		model:          model,
		embeddingModel: defaultEmbeddingModel,
		dims:           defaultEmbeddingDims,
		client:         &http.Client{Timeout: defaultOpenAIHTTPTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Name implements Port.
func (o *OpenAI) Name() string { return OpenAIName + ":" + o.model }

// Dimensions implements EmbeddingPort.
func (o *OpenAI) Dimensions() int { return o.dims }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate implements Port.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	system := fmt.Sprintf("You assist the %s phase of a project workflow. Task: %s. Answer concisely.", req.Phase, req.Task)
	if len(req.Context) > 0 {
		system += "\n\nGrounding:\n- " + strings.Join(req.Context, "\n- ")
	}
	body := map[string]any{
		"model": o.model,
		"messages": []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Prompt},
		},
	}
	var result struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := o.post(ctx, "/chat/completions", body, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", Permanentf("openai: response without choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// Embed implements EmbeddingPort.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{"model": o.embeddingModel, "input": []string{text}}
	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := o.post(ctx, "/embeddings", body, &result); err != nil {
		return nil, err
	}
	for _, d := range result.Data {
		if d.Index == 0 {
			return d.Embedding, nil
		}
	}
	return nil, Permanentf("openai: no embedding returned")
}

func (o *OpenAI) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apmerr.Wrap(apmerr.Permanent, err, "openai: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apmerr.Wrap(apmerr.Permanent, err, "openai: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return Classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Classify(ctx, err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apmerr.Wrap(apmerr.Permanent, err, "openai: decode response")
	}
	return nil
}

// statusError classifies non-2xx responses: 408, 429 and 5xx are retryable,
// every other client error is permanent.
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return Transientf("openai: status %d: %s", code, msg)
	default:
		return Permanentf("openai: status %d: %s", code, msg)
	}
}
