package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/config"
)

// Open builds the generator and embedder named by cfg.Provider. The local
// provider needs nothing; openai reads its key from cfg.APIKeyEnv and falls
// back to local embeddings if the embeddings endpoint fails.
func Open(cfg config.LLMConfig, logger *slog.Logger) (Port, EmbeddingPort, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", LocalName:
		return NewLocal(), NewLocalEmbedder(), nil
	case OpenAIName:
		envName := cfg.APIKeyEnv
		if envName == "" {
			envName = "OPENAI_API_KEY"
		}
		client, err := NewOpenAI(cfg.BaseURL, os.Getenv(envName), cfg.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("llm.provider openai: %w (set %s)", err, envName)
		}
		return client, NewFallbackEmbedder(client, logger), nil
	default:
		return nil, nil, fmt.Errorf("unsupported llm.provider %q: use %s or %s", cfg.Provider, LocalName, OpenAIName)
	}
}
