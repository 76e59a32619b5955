package rag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyInput indicates the document had no extractable text. The
// caller marks the document failed; the user must replace the file.
var ErrEmptyInput = errors.New("no extractable text")

// Chunk is one overlapping segment of a document's text. Ordinals are
// contiguous starting at 0.
type Chunk struct {
	Ordinal int
	Text    string
}

// Chunker splits text into overlapping segments suitable for
// embedding. Splitting is rune-based so multi-byte characters are
// never cut, and consecutive chunks overlap by exactly Overlap runes
// except possibly the final pair. Concatenating the chunks with
// overlaps removed reconstructs the input exactly.
type Chunker struct {
	ChunkSize int // target runes per chunk
	Overlap   int // runes shared between consecutive chunks
}

// NewChunker creates a Chunker. Requires 0 <= overlap < chunkSize.
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("overlap %d must satisfy 0 <= overlap < chunk size %d", overlap, chunkSize)
	}
	return &Chunker{ChunkSize: chunkSize, Overlap: overlap}, nil
}

// Chunk splits text into overlapping chunks covering the entire input.
// The final chunk may be shorter than ChunkSize. Returns ErrEmptyInput
// for empty or whitespace-only text.
func (c *Chunker) Chunk(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	runes := []rune(text)
	step := c.ChunkSize - c.Overlap

	var chunks []Chunk
	for i := 0; i < len(runes); i += step {
		end := i + c.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		chunks = append(chunks, Chunk{
			Ordinal: len(chunks),
			Text:    string(runes[i:end]),
		})

		if end == len(runes) {
			break
		}
	}

	return chunks, nil
}
