package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"docchat/internal/logging"
)

// ErrEmbeddingUnavailable indicates the embedding endpoint could not be
// reached or did not answer within the configured timeout.
var ErrEmbeddingUnavailable = errors.New("embedding model unavailable")

// ErrGenerationUnavailable indicates the chat completion endpoint could
// not be reached before any tokens were produced.
var ErrGenerationUnavailable = errors.New("generation model unavailable")

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// StreamEvent is a single frame of a token stream. Exactly one of Token
// or Err is meaningful; an Err frame is the last frame before the
// channel closes.
type StreamEvent struct {
	Token string
	Err   error
}

// Provider defines the interface for LLM services
type Provider interface {
	// EmbedBatch embeds an ordered batch of texts in one external call,
	// returning vectors in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Stream starts a chat completion. A connection failure is returned
	// before the channel is created. The returned channel delivers
	// incremental tokens and is closed when the model finishes; the
	// producer stops requesting tokens once ctx is cancelled.
	Stream(ctx context.Context, messages []Message) (<-chan StreamEvent, error)

	// Name returns the provider name (e.g. "ollama", "openai")
	Name() string
}

// Config holds provider selection and settings
type Config struct {
	Type             string
	OllamaEndpoint   string
	OllamaEmbedModel string
	OllamaChatModel  string
	OpenAIKeyEnv     string
	OpenAIEmbedModel string
	OpenAIChatModel  string
}

// NewProvider creates a provider based on config
func NewProvider(cfg Config, logger *logging.Logger) (Provider, error) {
	switch cfg.Type {
	case "ollama":
		return NewOllamaProvider(cfg.OllamaEndpoint, cfg.OllamaEmbedModel, cfg.OllamaChatModel, logger), nil
	case "openai":
		key := os.Getenv(cfg.OpenAIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("openai API key missing in env %s", cfg.OpenAIKeyEnv)
		}
		return NewOpenAIProvider(key, cfg.OpenAIEmbedModel, cfg.OpenAIChatModel, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}
