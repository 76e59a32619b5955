package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"docchat/internal/logging"
)

// OllamaProvider implements the Provider interface for a local Ollama server
type OllamaProvider struct {
	endpoint   string
	embedModel string
	chatModel  string
	client     *http.Client
	logger     *logging.Logger
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(endpoint, embedModel, chatModel string, logger *logging.Logger) *OllamaProvider {
	return &OllamaProvider{
		endpoint:   endpoint,
		embedModel: embedModel,
		chatModel:  chatModel,
		client:     &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

// EmbedBatch embeds a batch of texts via /api/embed, preserving input order
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	logger := p.logger.WithFields(map[string]interface{}{
		"provider":   "ollama",
		"model":      p.embedModel,
		"batch_size": len(texts),
	})
	logger.Debug("starting embedding request")

	reqBody := map[string]interface{}{
		"model": p.embedModel,
		"input": texts,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		logger.WithField("error", err.Error()).Error("embed request failed")
		return nil, fmt.Errorf("ollama: %w: %v", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		logger.WithField("status", resp.StatusCode).Error("embed returned non-OK status")
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("ollama: %w: status %d", ErrEmbeddingUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("ollama: embed returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: failed to decode embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: embed returned %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}

	logger.WithFields(map[string]interface{}{
		"latency_ms":  time.Since(start).Milliseconds(),
		"vector_size": len(result.Embeddings[0]),
	}).Debug("embedding request completed")

	return result.Embeddings, nil
}

// Stream starts a chat completion via /api/chat and delivers tokens on a channel
func (p *OllamaProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamEvent, error) {
	logger := p.logger.WithFields(map[string]interface{}{
		"provider":      "ollama",
		"model":         p.chatModel,
		"message_count": len(messages),
	})
	logger.Debug("starting chat stream request")

	reqBody := map[string]interface{}{
		"model":    p.chatModel,
		"messages": messages,
		"stream":   true,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		logger.WithField("error", err.Error()).Error("stream request failed")
		return nil, fmt.Errorf("ollama: %w: %v", ErrGenerationUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		logger.WithField("status", resp.StatusCode).Error("stream returned non-OK status")
		return nil, fmt.Errorf("ollama: %w: status %d: %s", ErrGenerationUnavailable, resp.StatusCode, string(bodyBytes))
	}

	events := make(chan StreamEvent, 32)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				Done  bool   `json:"done"`
				Error string `json:"error"`
			}
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF || ctx.Err() != nil {
					return
				}
				events <- StreamEvent{Err: fmt.Errorf("ollama: failed to decode stream chunk: %w", err)}
				return
			}
			if chunk.Error != "" {
				events <- StreamEvent{Err: fmt.Errorf("ollama: stream error frame: %s", chunk.Error)}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case events <- StreamEvent{Token: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}()

	return events, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return "ollama"
}
