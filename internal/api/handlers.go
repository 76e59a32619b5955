package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"docchat/internal/chat"
	"docchat/internal/ingest"
	"docchat/internal/llm"
	"docchat/internal/parser"
	"docchat/internal/store"
)

// handleUploadDocument accepts a multipart file upload, records the
// document as pending and kicks off asynchronous ingestion. The 202
// response carries the document record; the caller observes progress
// via document status or the websocket.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if err := r.ParseMultipartForm(parser.MaxFileSize); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if !parser.Supported(header.Filename) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", filepath.Ext(header.Filename)))
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = header.Filename
	}

	documentID := uuid.New().String()
	path := filepath.Join(s.uploadDir, documentID+strings.ToLower(filepath.Ext(header.Filename)))
	if err := s.saveUpload(path, file); err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to save upload")
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	doc := store.Document{
		ID:       documentID,
		UserID:   userID,
		Title:    title,
		Filename: header.Filename,
		FilePath: path,
		Status:   store.StatusPending,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		os.Remove(path)
		s.logger.WithField("error", err.Error()).Error("failed to create document")
		writeError(w, http.StatusInternalServerError, "failed to create document")
		return
	}

	if err := s.ingester.IngestFile(ctx, userID, documentID, path); err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to start ingestion")
		writeError(w, http.StatusInternalServerError, "failed to start ingestion")
		return
	}

	writeJSON(w, http.StatusAccepted, doc)
}

func (s *Server) saveUpload(path string, src io.Reader) error {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, io.LimitReader(src, parser.MaxFileSize+1)); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// handleListDocuments returns the caller's documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	docs, err := s.store.ListDocuments(r.Context(), userID)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to list documents")
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleDeleteDocument removes a document, its index entries and its
// stored file. Existing citations that reference it are untouched.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	documentID := r.PathValue("id")

	doc, err := s.store.GetDocument(ctx, userID, documentID)
	if err != nil {
		s.documentError(w, err)
		return
	}

	if err := s.ingester.DeleteDocument(ctx, userID, documentID); err != nil {
		s.documentError(w, err)
		return
	}
	if doc.FilePath != "" {
		os.Remove(doc.FilePath)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleReingestDocument re-runs the pipeline from the stored file,
// atomically replacing the document's chunk set.
func (s *Server) handleReingestDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	documentID := r.PathValue("id")

	doc, err := s.store.GetDocument(ctx, userID, documentID)
	if err != nil {
		s.documentError(w, err)
		return
	}
	if doc.FilePath == "" {
		writeError(w, http.StatusConflict, "original file is no longer available")
		return
	}

	if err := s.ingester.IngestFile(ctx, userID, documentID, doc.FilePath); err != nil {
		s.documentError(w, err)
		return
	}

	doc.Status = store.StatusProcessing
	writeJSON(w, http.StatusAccepted, doc)
}

// handleChat runs one conversation turn and streams the answer as
// server-sent events: token events while the model generates, an error
// event on mid-stream failure, and a final done event carrying the
// citations.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		SessionID  string `json:"session_id"`
		Query      string `json:"query"`
		DocumentID string `json:"document_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	if req.SessionID == "" {
		session, err := s.chat.NewSession(ctx, userID)
		if err != nil {
			s.logger.WithField("error", err.Error()).Error("failed to create session")
			writeError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		req.SessionID = session.ID
	}

	turn, err := s.chat.Converse(ctx, userID, req.SessionID, req.Query, req.DocumentID)
	if err != nil {
		s.chatError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", turn.SessionID)

	for event := range turn.Events {
		if event.Err != nil {
			writeSSE(w, "error", map[string]string{"error": event.Err.Error()})
			flusher.Flush()
			continue
		}
		writeSSE(w, "token", map[string]string{"token": event.Token})
		flusher.Flush()
	}

	citations := turn.Citations
	if citations == nil {
		citations = []store.Citation{}
	}
	writeSSE(w, "done", map[string]interface{}{
		"session_id": turn.SessionID,
		"citations":  citations,
	})
	flusher.Flush()
}

func writeSSE(w io.Writer, event string, payload interface{}) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// handleCreateSession creates an empty chat session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	session, err := s.chat.NewSession(r.Context(), userID)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// handleListSessions returns the caller's chat sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to list sessions")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleSessionMessages returns the full message history of one of the
// caller's sessions in chronological order.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	sessionID := r.PathValue("id")

	if _, err := s.store.GetSession(ctx, userID, sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.WithField("error", err.Error()).Error("failed to get session")
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	messages, err := s.store.History(ctx, sessionID, 0)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to get history")
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleAdminStats reports index and store totals for the admin
// dashboard
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.userID(w, r); !ok {
		return
	}
	ctx := r.Context()

	stats, err := s.index.Stats(ctx)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to read index stats")
		writeError(w, http.StatusInternalServerError, "failed to read index stats")
		return
	}
	documents, err := s.store.CountDocuments(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count documents")
		return
	}
	sessions, err := s.store.CountSessions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}
	messages, err := s.store.CountMessages(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_chunks":       stats.TotalChunks,
		"storage_descriptor": stats.Descriptor,
		"documents":          documents,
		"sessions":           sessions,
		"messages":           messages,
	})
}

func (s *Server) documentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, ingest.ErrAlreadyProcessing):
		writeError(w, http.StatusConflict, "document is already processing")
	default:
		s.logger.WithField("error", err.Error()).Error("document operation failed")
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

func (s *Server) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, chat.ErrTurnInFlight):
		writeError(w, http.StatusConflict, "session has a turn in flight")
	case errors.Is(err, llm.ErrGenerationUnavailable):
		writeError(w, http.StatusBadGateway, "generation endpoint unavailable")
	case errors.Is(err, llm.ErrEmbeddingUnavailable):
		writeError(w, http.StatusBadGateway, "embedding endpoint unavailable")
	default:
		s.logger.WithField("error", err.Error()).Error("chat turn failed")
		writeError(w, http.StatusInternalServerError, "chat turn failed")
	}
}
