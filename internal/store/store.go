package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDocumentNotFound indicates the document id is unknown or owned by
// a different user.
var ErrDocumentNotFound = errors.New("document not found")

// ErrSessionNotFound indicates the session id is unknown or owned by a
// different user.
var ErrSessionNotFound = errors.New("session not found")

// Store provides relational persistence for documents, sessions and
// messages. The vector index is kept separately; see vecindex.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path and runs
// migrations.
func NewStore(path string) (*Store, error) {
	// WAL mode for concurrent access, busy timeout for write contention
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateDocument inserts a new document record in pending state
func (s *Store) CreateDocument(ctx context.Context, doc Document) error {
	query := `INSERT INTO documents (id, user_id, title, filename, file_path, status) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, doc.ID, doc.UserID, doc.Title, doc.Filename, doc.FilePath, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument returns a document owned by userID
func (s *Store) GetDocument(ctx context.Context, userID, documentID string) (Document, error) {
	query := `SELECT id, user_id, title, filename, file_path, status, chunk_count, failure_reason, created_at
		FROM documents WHERE id = ? AND user_id = ?`
	return s.scanDocument(s.db.QueryRowContext(ctx, query, documentID, userID))
}

// ListDocuments returns the user's documents, newest first
func (s *Store) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	query := `SELECT id, user_id, title, filename, file_path, status, chunk_count, failure_reason, created_at
		FROM documents WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

// UpdateDocumentStatus advances the document lifecycle state. Chunk
// count is recorded on completion; failure reason on failure.
func (s *Store) UpdateDocumentStatus(ctx context.Context, documentID string, status DocumentStatus, chunkCount int, failureReason string) error {
	query := `UPDATE documents SET status = ?, chunk_count = ?, failure_reason = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, status, chunkCount, failureReason, documentID)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update: %w", err)
	}
	if n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// DeleteDocument removes a document record owned by userID
func (s *Store) DeleteDocument(ctx context.Context, userID, documentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND user_id = ?`, documentID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check document delete: %w", err)
	}
	if n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// CountDocuments returns the total document count across all users,
// consumed by the admin statistics view.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// CreateSession creates a new chat session. Creating a session is an
// explicit operation separate from appending messages.
func (s *Store) CreateSession(ctx context.Context, session Session) error {
	query := `INSERT INTO sessions (id, user_id, title) VALUES (?, ?, ?)`
	title := session.Title
	if title == "" {
		title = "New Chat"
	}
	_, err := s.db.ExecContext(ctx, query, session.ID, session.UserID, title)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session owned by userID
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (Session, error) {
	query := `SELECT id, user_id, title, created_at FROM sessions WHERE id = ? AND user_id = ?`
	var session Session
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&session.ID, &session.UserID, &session.Title, &createdAtStr)
	if err == sql.ErrNoRows {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	session.CreatedAt, err = parseTimestamp(createdAtStr)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns the user's sessions, newest first
func (s *Store) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	query := `SELECT id, user_id, title, created_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		var createdAtStr string
		if err := rows.Scan(&session.ID, &session.UserID, &session.Title, &createdAtStr); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.CreatedAt, err = parseTimestamp(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// CountSessions returns the total session count across all users
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// AppendMessage appends a message to a session. The session must exist.
func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, msg.SessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}

	citations := msg.Citations
	if citations == nil {
		citations = []Citation{}
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}

	query := `INSERT INTO messages (session_id, role, content, citations, incomplete) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, msg.SessionID, msg.Role, msg.Content, string(citationsJSON), msg.Incomplete); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// History returns the most recent limit messages of a session in
// chronological order (oldest first). A limit <= 0 returns the full
// history.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}

	// Autoincrement id orders strictly even when timestamps collide
	query := `SELECT id, session_id, role, content, citations, incomplete, created_at
		FROM messages WHERE session_id = ? ORDER BY id DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var citationsJSON string
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &citationsJSON, &msg.Incomplete, &createdAtStr); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(citationsJSON), &msg.Citations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal citations: %w", err)
		}
		if len(msg.Citations) == 0 {
			msg.Citations = nil
		}
		msg.CreatedAt, err = parseTimestamp(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages returns the total message count across all sessions
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var createdAtStr string
	err := row.Scan(&doc.ID, &doc.UserID, &doc.Title, &doc.Filename, &doc.FilePath, &doc.Status, &doc.ChunkCount, &doc.FailureReason, &createdAtStr)
	if err == sql.ErrNoRows {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to scan document: %w", err)
	}
	doc.CreatedAt, err = parseTimestamp(createdAtStr)
	if err != nil {
		return Document{}, fmt.Errorf("failed to scan document: %w", err)
	}
	return doc, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}
