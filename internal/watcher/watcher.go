// Package watcher ingests files dropped into a watched folder. Created
// and modified files run through the normal ingestion pipeline on
// behalf of a configured user; removed files take their document with
// them.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"docchat/internal/ingest"
	"docchat/internal/logging"
	"docchat/internal/parser"
	"docchat/internal/store"
)

// Ingester interface for processing files
type Ingester interface {
	IngestFile(ctx context.Context, userID, documentID, filePath string) error
	DeleteDocument(ctx context.Context, userID, documentID string) error
}

// Store interface for locating the document behind a watched file
type Store interface {
	CreateDocument(ctx context.Context, doc store.Document) error
	ListDocuments(ctx context.Context, userID string) ([]store.Document, error)
}

// Watcher monitors one folder for file changes
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	ingester  Ingester
	store     Store
	path      string
	userID    string
	logger    *logging.Logger
}

// NewWatcher creates a folder watcher over path; files it picks up are
// owned by userID.
func NewWatcher(ingester Ingester, st Store, path, userID string, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		ingester:  ingester,
		store:     st,
		path:      path,
		userID:    userID,
		logger:    logger,
	}, nil
}

// Start begins watching the folder and starts the event loop. It
// creates the folder when missing.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.path, 0o755); err != nil {
		return fmt.Errorf("failed to create watched folder: %w", err)
	}
	if err := w.fsWatcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch folder: %w", err)
	}

	go w.eventLoop(ctx)

	w.logger.WithField("folder_path", w.path).Info("file watcher started")
	return nil
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.fsWatcher.Close()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.WithField("error", err.Error()).Error("watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !parser.Supported(event.Name) {
		return
	}

	logger := w.logger.WithFields(map[string]interface{}{
		"file_path":  event.Name,
		"event_type": event.Op.String(),
	})

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create,
		event.Op&fsnotify.Write == fsnotify.Write:
		logger.Debug("file changed")
		w.ingestFile(ctx, event.Name)

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		logger.Debug("file removed")
		w.removeFile(ctx, event.Name)
	}
}

// ingestFile runs a created or modified file through the pipeline.
// A file seen before re-ingests into its existing document; a new file
// gets a fresh document record.
func (w *Watcher) ingestFile(ctx context.Context, path string) {
	logger := w.logger.WithField("file_path", path)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if info.Size() > parser.MaxFileSize {
		logger.WithField("file_size", info.Size()).Warn("file exceeds size limit, skipping")
		return
	}

	doc, err := w.findDocument(ctx, path)
	if err != nil {
		logger.WithField("error", err.Error()).Error("failed to look up document")
		return
	}
	if doc == nil {
		created := store.Document{
			ID:       uuid.New().String(),
			UserID:   w.userID,
			Title:    filepath.Base(path),
			Filename: filepath.Base(path),
			FilePath: path,
			Status:   store.StatusPending,
		}
		if err := w.store.CreateDocument(ctx, created); err != nil {
			logger.WithField("error", err.Error()).Error("failed to create document")
			return
		}
		doc = &created
	}

	err = w.ingester.IngestFile(ctx, w.userID, doc.ID, path)
	switch {
	case errors.Is(err, ingest.ErrAlreadyProcessing):
		logger.Debug("ingestion already in flight, skipping")
	case err != nil:
		logger.WithField("error", err.Error()).Error("failed to start ingestion")
	}
}

func (w *Watcher) removeFile(ctx context.Context, path string) {
	logger := w.logger.WithField("file_path", path)

	doc, err := w.findDocument(ctx, path)
	if err != nil {
		logger.WithField("error", err.Error()).Error("failed to look up document")
		return
	}
	if doc == nil {
		return
	}

	if err := w.ingester.DeleteDocument(ctx, w.userID, doc.ID); err != nil {
		logger.WithField("error", err.Error()).Error("failed to delete document")
		return
	}
	logger.Info("document removed with its file")
}

func (w *Watcher) findDocument(ctx context.Context, path string) (*store.Document, error) {
	docs, err := w.store.ListDocuments(ctx, w.userID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].FilePath == path {
			return &docs[i], nil
		}
	}
	return nil, nil
}
