// Package ingest drives a document through chunking, embedding and
// indexing, advancing its lifecycle status. It is the only writer of
// document status and of the vector index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"docchat/internal/logging"
	"docchat/internal/parser"
	"docchat/internal/rag"
	"docchat/internal/store"
	"docchat/internal/vecindex"
)

// ErrAlreadyProcessing indicates an ingestion is already in flight for
// the document. The second request is rejected, not queued.
var ErrAlreadyProcessing = errors.New("document is already processing")

// Store is the document-record side of ingestion
type Store interface {
	GetDocument(ctx context.Context, userID, documentID string) (store.Document, error)
	UpdateDocumentStatus(ctx context.Context, documentID string, status store.DocumentStatus, chunkCount int, failureReason string) error
	DeleteDocument(ctx context.Context, userID, documentID string) error
}

// Embedder turns chunk texts into vectors
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer is the vector-index side of ingestion
type Indexer interface {
	Upsert(ctx context.Context, documentID string, entries []vecindex.Entry) error
	Delete(ctx context.Context, documentID string) error
}

// Chunker splits document text
type Chunker interface {
	Chunk(text string) ([]rag.Chunk, error)
}

// Notifier receives document status transitions, consumed by the chat
// UI over the websocket hub. May be nil.
type Notifier interface {
	DocumentStatus(documentID string, status store.DocumentStatus, detail string)
}

// Ingester orchestrates document ingestion. Ingestion of different
// documents runs concurrently; at most one ingestion per document id
// is in flight at a time.
type Ingester struct {
	store    Store
	embedder Embedder
	index    Indexer
	chunker  Chunker
	notifier Notifier
	logger   *logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewIngester creates an Ingester
func NewIngester(st Store, embedder Embedder, index Indexer, chunker Chunker, notifier Notifier, logger *logging.Logger) *Ingester {
	return &Ingester{
		store:    st,
		embedder: embedder,
		index:    index,
		chunker:  chunker,
		notifier: notifier,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Ingest starts the pipeline for a document whose text has already been
// extracted. It transitions the document to processing and returns;
// the pipeline itself runs asynchronously and the caller observes the
// outcome via document status. Returns ErrAlreadyProcessing if an
// ingestion for the same document is in flight.
func (ing *Ingester) Ingest(ctx context.Context, userID, documentID, text string) error {
	if _, err := ing.store.GetDocument(ctx, userID, documentID); err != nil {
		return err
	}

	if !ing.acquire(documentID) {
		return ErrAlreadyProcessing
	}

	if err := ing.store.UpdateDocumentStatus(ctx, documentID, store.StatusProcessing, 0, ""); err != nil {
		ing.release(documentID)
		return err
	}
	ing.notify(documentID, store.StatusProcessing, "")

	// The pipeline outlives the upload request
	go ing.run(context.WithoutCancel(ctx), documentID, text)
	return nil
}

// IngestFile starts the pipeline for a document whose original file is
// on disk, parsing it as the first pipeline stage. Used by re-ingestion
// and the folder watcher. A parse failure is a pipeline failure and
// lands the document in the failed status.
func (ing *Ingester) IngestFile(ctx context.Context, userID, documentID, filePath string) error {
	if _, err := ing.store.GetDocument(ctx, userID, documentID); err != nil {
		return err
	}

	if !ing.acquire(documentID) {
		return ErrAlreadyProcessing
	}

	if err := ing.store.UpdateDocumentStatus(ctx, documentID, store.StatusProcessing, 0, ""); err != nil {
		ing.release(documentID)
		return err
	}
	ing.notify(documentID, store.StatusProcessing, "")

	go ing.runFile(context.WithoutCancel(ctx), documentID, filePath)
	return nil
}

func (ing *Ingester) runFile(ctx context.Context, documentID, filePath string) {
	f, err := os.Open(filePath)
	if err != nil {
		ing.fail(ctx, documentID, fmt.Sprintf("failed to open file: %v", err))
		ing.release(documentID)
		return
	}
	text, err := parser.Parse(filePath, f)
	f.Close()
	if err != nil {
		ing.fail(ctx, documentID, fmt.Sprintf("parsing failed: %v", err))
		ing.release(documentID)
		return
	}

	// run releases the in-flight guard
	ing.run(ctx, documentID, text)
}

// run executes chunk -> embed -> index for one document and records the
// terminal status. Failures never leave a partial chunk set in the
// index: the upsert happens only after every chunk has a vector, and
// is itself atomic.
func (ing *Ingester) run(ctx context.Context, documentID, text string) {
	defer ing.release(documentID)

	logger := ing.logger.WithFields(map[string]interface{}{
		"document_id": documentID,
		"text_size":   len(text),
	})
	logger.Debug("starting ingestion pipeline")

	chunks, err := ing.chunker.Chunk(text)
	if err != nil {
		if errors.Is(err, rag.ErrEmptyInput) {
			ing.fail(ctx, documentID, "document has no extractable text")
		} else {
			ing.fail(ctx, documentID, fmt.Sprintf("chunking failed: %v", err))
		}
		return
	}
	logger.WithField("total_chunks", len(chunks)).Debug("text chunked")

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ing.embedder.Embed(ctx, texts)
	if err != nil {
		logger.WithField("error", err.Error()).Error("embedding failed")
		ing.fail(ctx, documentID, fmt.Sprintf("embedding failed: %v", err))
		return
	}

	entries := make([]vecindex.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vecindex.Entry{Ordinal: c.Ordinal, Text: c.Text, Vector: vectors[i]}
	}
	if err := ing.index.Upsert(ctx, documentID, entries); err != nil {
		logger.WithField("error", err.Error()).Error("indexing failed")
		ing.fail(ctx, documentID, fmt.Sprintf("indexing failed: %v", err))
		return
	}

	if err := ing.store.UpdateDocumentStatus(ctx, documentID, store.StatusCompleted, len(chunks), ""); err != nil {
		logger.WithField("error", err.Error()).Error("failed to record completion")
		return
	}
	ing.notify(documentID, store.StatusCompleted, "")
	logger.WithField("total_chunks", len(chunks)).Info("ingestion completed")
}

// DeleteDocument removes the document record and all of its index
// entries. Index entries go first so no indexed chunk ever outlives
// its parent document. Rejected while an ingestion is in flight.
func (ing *Ingester) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if _, err := ing.store.GetDocument(ctx, userID, documentID); err != nil {
		return err
	}

	if !ing.acquire(documentID) {
		return ErrAlreadyProcessing
	}
	defer ing.release(documentID)

	if err := ing.index.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("failed to remove index entries: %w", err)
	}
	if err := ing.store.DeleteDocument(ctx, userID, documentID); err != nil {
		return err
	}

	ing.logger.WithField("document_id", documentID).Info("document deleted")
	return nil
}

func (ing *Ingester) fail(ctx context.Context, documentID, reason string) {
	if err := ing.store.UpdateDocumentStatus(ctx, documentID, store.StatusFailed, 0, reason); err != nil {
		ing.logger.WithFields(map[string]interface{}{
			"document_id": documentID,
			"error":       err.Error(),
		}).Error("failed to record failure status")
	}
	ing.notify(documentID, store.StatusFailed, reason)
}

func (ing *Ingester) notify(documentID string, status store.DocumentStatus, detail string) {
	if ing.notifier != nil {
		ing.notifier.DocumentStatus(documentID, status, detail)
	}
}

func (ing *Ingester) acquire(documentID string) bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if _, busy := ing.inflight[documentID]; busy {
		return false
	}
	ing.inflight[documentID] = struct{}{}
	return true
}

func (ing *Ingester) release(documentID string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	delete(ing.inflight, documentID)
}
