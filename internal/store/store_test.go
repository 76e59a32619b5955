package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore_DocumentLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	doc := Document{
		ID:       "doc1",
		UserID:   "alice",
		Title:    "Notes",
		Filename: "notes.txt",
		FilePath: "uploads/doc1.txt",
		Status:   StatusPending,
	}
	require.NoError(t, st.CreateDocument(ctx, doc))

	got, err := st.GetDocument(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "Notes", got.Title)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "uploads/doc1.txt", got.FilePath)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, st.UpdateDocumentStatus(ctx, "doc1", StatusProcessing, 0, ""))
	require.NoError(t, st.UpdateDocumentStatus(ctx, "doc1", StatusCompleted, 7, ""))

	got, err = st.GetDocument(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 7, got.ChunkCount)

	require.NoError(t, st.DeleteDocument(ctx, "alice", "doc1"))
	_, err = st.GetDocument(ctx, "alice", "doc1")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestStore_DocumentOwnershipScoping(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDocument(ctx, Document{ID: "doc1", UserID: "alice", Title: "a", Filename: "a.txt", Status: StatusPending}))

	// another user cannot see or delete it
	_, err := st.GetDocument(ctx, "bob", "doc1")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.ErrorIs(t, st.DeleteDocument(ctx, "bob", "doc1"), ErrDocumentNotFound)

	docs, err := st.ListDocuments(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = st.ListDocuments(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStore_UpdateDocumentStatus_Failure(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDocument(ctx, Document{ID: "doc1", UserID: "alice", Title: "a", Filename: "a.txt", Status: StatusPending}))
	require.NoError(t, st.UpdateDocumentStatus(ctx, "doc1", StatusFailed, 0, "document has no extractable text"))

	got, err := st.GetDocument(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "document has no extractable text", got.FailureReason)

	assert.ErrorIs(t, st.UpdateDocumentStatus(ctx, "missing", StatusCompleted, 1, ""), ErrDocumentNotFound)
}

func TestStore_Sessions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, Session{ID: "s1", UserID: "alice", Title: "New Chat"}))
	require.NoError(t, st.CreateSession(ctx, Session{ID: "s2", UserID: "alice", Title: "New Chat"}))
	require.NoError(t, st.CreateSession(ctx, Session{ID: "s3", UserID: "bob", Title: "New Chat"}))

	got, err := st.GetSession(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	_, err = st.GetSession(ctx, "bob", "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sessions, err := st.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	n, err := st.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_MessagesAndHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, Session{ID: "s1", UserID: "alice", Title: "New Chat"}))

	for i := 0; i < 4; i++ {
		require.NoError(t, st.AppendMessage(ctx, Message{SessionID: "s1", Role: "user", Content: fmt.Sprintf("q%d", i)}))
		require.NoError(t, st.AppendMessage(ctx, Message{
			SessionID: "s1",
			Role:      "assistant",
			Content:   fmt.Sprintf("a%d", i),
			Citations: []Citation{{DocumentID: "doc1", Ordinal: i, Score: 0.9}},
		}))
	}

	// full history, chronological
	msgs, err := st.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 8)
	assert.Equal(t, "q0", msgs[0].Content)
	assert.Equal(t, "a3", msgs[7].Content)
	require.Len(t, msgs[1].Citations, 1)
	assert.Equal(t, "doc1", msgs[1].Citations[0].DocumentID)

	// bounded history keeps the most recent messages, still
	// chronological
	msgs, err = st.History(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a2", msgs[0].Content)
	assert.Equal(t, "q3", msgs[1].Content)
	assert.Equal(t, "a3", msgs[2].Content)

	// insertion order is authoritative
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}

func TestStore_AppendMessage_SessionMustExist(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.AppendMessage(ctx, Message{SessionID: "missing", Role: "user", Content: "hello"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = st.History(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_IncompleteMessageRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, Session{ID: "s1", UserID: "alice", Title: "New Chat"}))
	require.NoError(t, st.AppendMessage(ctx, Message{
		SessionID:  "s1",
		Role:       "assistant",
		Content:    "partial ans",
		Incomplete: true,
	}))

	msgs, err := st.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Incomplete)
	assert.Nil(t, msgs[0].Citations)
}

func TestStore_Counts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDocument(ctx, Document{ID: "d1", UserID: "alice", Title: "t", Filename: "t.txt", Status: StatusPending}))
	require.NoError(t, st.CreateSession(ctx, Session{ID: "s1", UserID: "alice", Title: "New Chat"}))
	require.NoError(t, st.AppendMessage(ctx, Message{SessionID: "s1", Role: "user", Content: "hi"}))

	docs, err := st.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)

	sessions, err := st.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sessions)

	messages, err := st.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, messages)
}

func TestStore_MalformedTimestampSurfaces(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateDocument(ctx, Document{ID: "d1", UserID: "alice", Title: "t", Filename: "t.txt", Status: StatusPending}))
	_, err := st.db.ExecContext(ctx, `UPDATE documents SET created_at = 'not-a-timestamp' WHERE id = 'd1'`)
	require.NoError(t, err)

	_, err = st.GetDocument(ctx, "alice", "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed timestamp")

	// An absent timestamp stays the zero time rather than an error.
	zero, err := parseTimestamp("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}
