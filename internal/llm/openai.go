package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docchat/internal/logging"
)

// OpenAIProvider implements the Provider interface for the OpenAI API
type OpenAIProvider struct {
	apiKey     string
	embedModel string
	chatModel  string
	client     *http.Client
	logger     *logging.Logger
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, embedModel, chatModel string, logger *logging.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		embedModel: embedModel,
		chatModel:  chatModel,
		client:     &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

// EmbedBatch embeds a batch of texts in one API call, preserving input order
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	logger := p.logger.WithFields(map[string]interface{}{
		"provider":   "openai",
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
		return nil, fmt.Errorf("openai: failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		logger.WithField("error", err.Error()).Error("embed request failed")
		return nil, fmt.Errorf("openai: %w: %v", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		logger.WithField("status", resp.StatusCode).Error("embed returned non-OK status")
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("openai: %w: status %d", ErrEmbeddingUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("openai: embed returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// The API may reorder entries; index restores input order
	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("openai: failed to decode embed response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai: embed returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("openai: embed returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	logger.WithFields(map[string]interface{}{
		"latency_ms":  time.Since(start).Milliseconds(),
		"vector_size": len(vectors[0]),
	}).Debug("embedding request completed")

	return vectors, nil
}

// Stream starts a chat completion and delivers tokens on a channel
func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message) (<-chan StreamEvent, error) {
	logger := p.logger.WithFields(map[string]interface{}{
		"provider":      "openai",
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
		return nil, fmt.Errorf("openai: failed to marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		logger.WithField("error", err.Error()).Error("stream request failed")
		return nil, fmt.Errorf("openai: %w: %v", ErrGenerationUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		logger.WithField("status", resp.StatusCode).Error("stream returned non-OK status")
		return nil, fmt.Errorf("openai: %w: status %d: %s", ErrGenerationUnavailable, resp.StatusCode, string(bodyBytes))
	}

	events := make(chan StreamEvent, 32)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case events <- StreamEvent{Token: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			events <- StreamEvent{Err: fmt.Errorf("openai: failed to read stream: %w", err)}
		}
	}()

	return events, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}
