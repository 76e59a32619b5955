package rag

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/logging"
	"docchat/internal/vecindex"
)

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return f.vector, f.err
}

type fakeIndex struct {
	results []vecindex.Result
	err     error
	gotK    int
	gotDocs []string
}

func (f *fakeIndex) Query(ctx context.Context, vector []float32, k int, documentIDs []string) ([]vecindex.Result, error) {
	f.gotK = k
	f.gotDocs = documentIDs
	return f.results, f.err
}

func testLogger() *logging.Logger {
	return logging.NewLogger("test", logging.ERROR, io.Discard)
}

func TestRetriever_Retrieve(t *testing.T) {
	index := &fakeIndex{results: []vecindex.Result{
		{DocumentID: "d1", Ordinal: 0, Text: "first chunk", Score: 0.9},
		{DocumentID: "d2", Ordinal: 3, Text: "second chunk", Score: 0.8},
	}}
	r := NewRetriever(&fakeEmbedder{vector: []float32{1, 0}}, index, 5, 0, testLogger())

	got, err := r.Retrieve(context.Background(), "query", []string{"d1", "d2"})
	require.NoError(t, err)

	assert.Equal(t, "first chunk\n\nsecond chunk", got.Context)
	require.Len(t, got.Cited, 2)
	assert.Equal(t, "d1", got.Cited[0].DocumentID)
	assert.Equal(t, 5, index.gotK)
	assert.Equal(t, []string{"d1", "d2"}, index.gotDocs)
}

func TestRetriever_Retrieve_NoDocuments(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("should not be called")}
	r := NewRetriever(embedder, &fakeIndex{}, 5, 0, testLogger())

	got, err := r.Retrieve(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, got.Context)
	assert.Empty(t, got.Cited)
}

func TestRetriever_Retrieve_EmptyIndex(t *testing.T) {
	r := NewRetriever(&fakeEmbedder{vector: []float32{1}}, &fakeIndex{}, 5, 0, testLogger())

	got, err := r.Retrieve(context.Background(), "query", []string{"d1"})
	require.NoError(t, err)
	assert.Empty(t, got.Context)
	assert.Empty(t, got.Cited)
}

func TestRetriever_Retrieve_BudgetTruncation(t *testing.T) {
	index := &fakeIndex{results: []vecindex.Result{
		{DocumentID: "d1", Ordinal: 0, Text: strings.Repeat("a", 40), Score: 0.9},
		{DocumentID: "d1", Ordinal: 1, Text: strings.Repeat("b", 40), Score: 0.8},
		{DocumentID: "d1", Ordinal: 2, Text: strings.Repeat("c", 40), Score: 0.7},
	}}
	r := NewRetriever(&fakeEmbedder{vector: []float32{1}}, index, 5, 90, testLogger())

	got, err := r.Retrieve(context.Background(), "query", []string{"d1"})
	require.NoError(t, err)

	// Two 40-rune chunks plus separator fit in 90; the third does not.
	require.Len(t, got.Cited, 2)
	assert.Equal(t, 0, got.Cited[0].Ordinal)
	assert.Equal(t, 1, got.Cited[1].Ordinal)
	assert.LessOrEqual(t, len([]rune(got.Context)), 90)
	assert.NotContains(t, got.Context, "c")
}

func TestRetriever_Retrieve_EmbedderError(t *testing.T) {
	wantErr := errors.New("embed down")
	r := NewRetriever(&fakeEmbedder{err: wantErr}, &fakeIndex{}, 5, 0, testLogger())

	_, err := r.Retrieve(context.Background(), "query", []string{"d1"})
	assert.ErrorIs(t, err, wantErr)
}

func TestRetriever_Retrieve_IndexError(t *testing.T) {
	wantErr := errors.New("index broken")
	r := NewRetriever(&fakeEmbedder{vector: []float32{1}}, &fakeIndex{err: wantErr}, 5, 0, testLogger())

	_, err := r.Retrieve(context.Background(), "query", []string{"d1"})
	assert.ErrorIs(t, err, wantErr)
}
