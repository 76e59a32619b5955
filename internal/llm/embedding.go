package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"docchat/internal/logging"
)

// EmbeddingClient batches embedding requests against a Provider. Inputs
// larger than the batch size are split across multiple external calls
// transparently, preserving order in the combined output. Calls are
// rate limited and carry a per-call timeout; a timeout surfaces as
// ErrEmbeddingUnavailable.
type EmbeddingClient struct {
	provider  Provider
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *logging.Logger
}

// NewEmbeddingClient creates an EmbeddingClient
func NewEmbeddingClient(provider Provider, batchSize int, timeout time.Duration, requestsPerSec float64, logger *logging.Logger) *EmbeddingClient {
	if batchSize <= 0 {
		batchSize = 32
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &EmbeddingClient{
		provider:  provider,
		batchSize: batchSize,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSec), 1),
		logger:    logger,
	}
}

// Embed returns one vector per input text, in input order. All vectors
// share the same dimensionality; a dimension mismatch across batches is
// treated as a provider fault.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	dimension := 0

	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limiter: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		batch, err := c.provider.EmbedBatch(callCtx, texts[start:end])
		cancel()
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: timed out after %s", ErrEmbeddingUnavailable, c.timeout)
			}
			return nil, err
		}

		for i, vec := range batch {
			if len(vec) == 0 {
				return nil, fmt.Errorf("empty embedding for input %d", start+i)
			}
			if dimension == 0 {
				dimension = len(vec)
			} else if len(vec) != dimension {
				return nil, fmt.Errorf("embedding dimension changed from %d to %d at input %d", dimension, len(vec), start+i)
			}
		}
		vectors = append(vectors, batch...)
	}

	c.logger.WithFields(map[string]interface{}{
		"inputs":    len(texts),
		"dimension": dimension,
	}).Debug("embedding batch completed")

	return vectors, nil
}

// EmbedOne embeds a single text
func (c *EmbeddingClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
