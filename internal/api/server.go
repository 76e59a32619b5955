// Package api exposes the document and chat pipelines over HTTP. All
// routes are scoped to the calling user, identified by the X-User-ID
// header that the external auth layer injects.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"docchat/internal/chat"
	"docchat/internal/logging"
	"docchat/internal/store"
	"docchat/internal/vecindex"
)

// Store interface for API operations
type Store interface {
	CreateDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, userID, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, userID string) ([]store.Document, error)
	ListSessions(ctx context.Context, userID string) ([]store.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (store.Session, error)
	History(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	CountDocuments(ctx context.Context) (int, error)
	CountSessions(ctx context.Context) (int, error)
	CountMessages(ctx context.Context) (int, error)
}

// Ingester interface for document lifecycle operations
type Ingester interface {
	IngestFile(ctx context.Context, userID, documentID, filePath string) error
	DeleteDocument(ctx context.Context, userID, documentID string) error
}

// ChatService interface for conversation turns
type ChatService interface {
	NewSession(ctx context.Context, userID string) (store.Session, error)
	Converse(ctx context.Context, userID, sessionID, query, documentID string) (*chat.Turn, error)
}

// IndexStats reports vector index contents for the admin view
type IndexStats interface {
	Stats(ctx context.Context) (vecindex.Stats, error)
}

// Server holds dependencies and provides HTTP handlers
type Server struct {
	store     Store
	ingester  Ingester
	chat      ChatService
	index     IndexStats
	wsHub     *WebSocketHub
	uploadDir string
	logger    *logging.Logger
}

// NewServer creates a server with dependencies and starts the
// websocket hub's event loop. The hub is created by the caller so it
// can also be handed to the ingester as its status notifier.
func NewServer(st Store, ingester Ingester, chatSvc ChatService, index IndexStats, wsHub *WebSocketHub, uploadDir string, logger *logging.Logger) *Server {
	srv := &Server{
		store:     st,
		ingester:  ingester,
		chat:      chatSvc,
		index:     index,
		wsHub:     wsHub,
		uploadDir: uploadDir,
		logger:    logger,
	}
	go srv.wsHub.Run()
	return srv
}

// RegisterRoutes sets up all HTTP routes
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/documents", s.handleUploadDocument)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("POST /api/documents/{id}/reingest", s.handleReingestDocument)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)

	mux.HandleFunc("GET /api/admin/stats", s.handleAdminStats)

	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// userID extracts the caller identity set by the auth layer. Writes a
// 401 and returns false when the header is absent.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
