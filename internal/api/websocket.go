package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"docchat/internal/logging"
	"docchat/internal/store"
)

// statusEvent is the wire shape of a document status transition
type statusEvent struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// WebSocketHub fans document status transitions out to connected
// clients. It implements the ingester's Notifier.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *logging.Logger
}

// NewWebSocketHub creates a hub
func NewWebSocketHub(logger *logging.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Run starts the hub's event loop
func (h *WebSocketHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// DocumentStatus broadcasts a document status transition. Never
// blocks: when the broadcast buffer is full the event is dropped,
// clients reconcile through the documents listing.
func (h *WebSocketHub) DocumentStatus(documentID string, status store.DocumentStatus, detail string) {
	data, _ := json.Marshal(statusEvent{
		Type:       "document_status",
		DocumentID: documentID,
		Status:     string(status),
		Detail:     detail,
	})
	select {
	case h.broadcast <- data:
	default:
		h.logger.WithField("document_id", documentID).Warn("websocket broadcast buffer full, event dropped")
	}
}

// handleWebSocket upgrades HTTP to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // deployment sits behind the auth proxy
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.wsHub.register <- conn

	// Read loop, only to detect disconnects
	go func() {
		defer func() {
			s.wsHub.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
