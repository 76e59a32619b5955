package store

import "time"

// DocumentStatus is the lifecycle state of an ingested document
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Document represents an uploaded document and its ingestion state.
// Status is mutated only by the ingestion orchestrator.
type Document struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Title         string         `json:"title"`
	Filename      string         `json:"filename"`
	FilePath      string         `json:"-"`
	Status        DocumentStatus `json:"status"`
	ChunkCount    int            `json:"chunk_count"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Session represents a chat session
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Citation records the provenance of retrieved context used to produce
// an assistant message. It is an immutable historical reference: the
// cited document may have been deleted since.
type Citation struct {
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Score      float64 `json:"score"`
}

// Message is one turn in a session. Messages are append-only and never
// edited or reordered.
type Message struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       string     `json:"role"` // "user" or "assistant"
	Content    string     `json:"content"`
	Citations  []Citation `json:"citations,omitempty"`
	Incomplete bool       `json:"incomplete,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
