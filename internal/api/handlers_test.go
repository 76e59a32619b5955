package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/chat"
	"docchat/internal/ingest"
	"docchat/internal/llm"
	"docchat/internal/logging"
	"docchat/internal/store"
	"docchat/internal/vecindex"
)

type fakeStore struct {
	docs       map[string]store.Document
	sessions   map[string]store.Session
	history    map[string][]store.Message
	createErr  error
	created    []store.Document
	docCount   int
	sessCount  int
	msgCount   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     make(map[string]store.Document),
		sessions: make(map[string]store.Session),
		history:  make(map[string][]store.Message),
	}
}

func (f *fakeStore) CreateDocument(ctx context.Context, doc store.Document) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.docs[doc.ID] = doc
	f.created = append(f.created, doc)
	return nil
}

func (f *fakeStore) GetDocument(ctx context.Context, userID, documentID string) (store.Document, error) {
	doc, ok := f.docs[documentID]
	if !ok || doc.UserID != userID {
		return store.Document{}, store.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeStore) ListDocuments(ctx context.Context, userID string) ([]store.Document, error) {
	var out []store.Document
	for _, d := range f.docs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	var out []store.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetSession(ctx context.Context, userID, sessionID string) (store.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return store.Session{}, store.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeStore) History(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	return f.history[sessionID], nil
}

func (f *fakeStore) CountDocuments(ctx context.Context) (int, error) { return f.docCount, nil }
func (f *fakeStore) CountSessions(ctx context.Context) (int, error)  { return f.sessCount, nil }
func (f *fakeStore) CountMessages(ctx context.Context) (int, error)  { return f.msgCount, nil }

type fakeIngester struct {
	ingestErr  error
	deleteErr  error
	ingested   []string
	deleted    []string
}

func (f *fakeIngester) IngestFile(ctx context.Context, userID, documentID, filePath string) error {
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingested = append(f.ingested, documentID)
	return nil
}

func (f *fakeIngester) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, documentID)
	return nil
}

type fakeChat struct {
	turn        *chat.Turn
	converseErr error
	sessionErr  error
	gotQuery    string
	gotDoc      string
}

func (f *fakeChat) NewSession(ctx context.Context, userID string) (store.Session, error) {
	if f.sessionErr != nil {
		return store.Session{}, f.sessionErr
	}
	s := store.Session{ID: "new-session", UserID: userID, Title: "New Chat"}
	return s, nil
}

func (f *fakeChat) Converse(ctx context.Context, userID, sessionID, query, documentID string) (*chat.Turn, error) {
	f.gotQuery = query
	f.gotDoc = documentID
	if f.converseErr != nil {
		return nil, f.converseErr
	}
	turn := *f.turn
	turn.SessionID = sessionID
	return &turn, nil
}

type fakeIndexStats struct {
	stats vecindex.Stats
}

func (f *fakeIndexStats) Stats(ctx context.Context) (vecindex.Stats, error) {
	return f.stats, nil
}

func newTestServer(t *testing.T, fs *fakeStore, ing *fakeIngester, ch *fakeChat) (*Server, *http.ServeMux) {
	t.Helper()
	logger := logging.NewLogger("api", logging.ERROR, io.Discard)
	srv := NewServer(fs, ing, ch, &fakeIndexStats{stats: vecindex.Stats{TotalChunks: 9, Descriptor: "sqlite:test"}},
		NewWebSocketHub(logger), t.TempDir(), logger)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return srv, mux
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHandlers_RequireUserHeader(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, &fakeChat{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/documents"},
		{http.MethodPost, "/api/chat"},
		{http.MethodGet, "/api/sessions"},
		{http.MethodGet, "/api/admin/stats"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestHandleUploadDocument(t *testing.T) {
	fs := newFakeStore()
	ing := &fakeIngester{}
	_, mux := newTestServer(t, fs, ing, &fakeChat{})

	body, contentType := multipartUpload(t, "notes.txt", "some text")
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var doc store.Document
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "alice", doc.UserID)
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Equal(t, store.StatusPending, doc.Status)

	require.Len(t, fs.created, 1)
	assert.NotEmpty(t, fs.created[0].FilePath)
	assert.Equal(t, []string{doc.ID}, ing.ingested)
}

func TestHandleUploadDocument_UnsupportedType(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, &fakeChat{})

	body, contentType := multipartUpload(t, "photo.png", "binary")
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported file type")
}

func TestHandleListDocuments(t *testing.T) {
	fs := newFakeStore()
	fs.docs["d1"] = store.Document{ID: "d1", UserID: "alice", Title: "mine"}
	fs.docs["d2"] = store.Document{ID: "d2", UserID: "bob", Title: "theirs"}
	_, mux := newTestServer(t, fs, &fakeIngester{}, &fakeChat{})

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var docs []store.Document
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
}

func TestHandleDeleteDocument(t *testing.T) {
	fs := newFakeStore()
	fs.docs["d1"] = store.Document{ID: "d1", UserID: "alice"}
	ing := &fakeIngester{}
	_, mux := newTestServer(t, fs, ing, &fakeChat{})

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/d1", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d1"}, ing.deleted)
}

func TestHandleDeleteDocument_NotFound(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, &fakeChat{})

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/ghost", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReingestDocument(t *testing.T) {
	fs := newFakeStore()
	fs.docs["d1"] = store.Document{ID: "d1", UserID: "alice", FilePath: "uploads/d1.txt"}
	ing := &fakeIngester{}
	_, mux := newTestServer(t, fs, ing, &fakeChat{})

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/reingest", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"d1"}, ing.ingested)
}

func TestHandleReingestDocument_AlreadyProcessing(t *testing.T) {
	fs := newFakeStore()
	fs.docs["d1"] = store.Document{ID: "d1", UserID: "alice", FilePath: "uploads/d1.txt"}
	ing := &fakeIngester{ingestErr: ingest.ErrAlreadyProcessing}
	_, mux := newTestServer(t, fs, ing, &fakeChat{})

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/reingest", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func closedEvents(events ...llm.StreamEvent) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestHandleChat_StreamsSSE(t *testing.T) {
	ch := &fakeChat{turn: &chat.Turn{
		Citations: []store.Citation{{DocumentID: "d1", Ordinal: 0, Score: 0.8}},
		Events:    closedEvents(llm.StreamEvent{Token: "Hi"}, llm.StreamEvent{Token: " there"}),
	}}
	_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, ch)

	payload := `{"session_id":"s1","query":"hello","document_id":"d1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(payload))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "s1", rec.Header().Get("X-Session-ID"))
	assert.Equal(t, "hello", ch.gotQuery)
	assert.Equal(t, "d1", ch.gotDoc)

	out := rec.Body.String()
	assert.Contains(t, out, `event: token`)
	assert.Contains(t, out, `"token":"Hi"`)
	assert.Contains(t, out, `event: done`)
	assert.Contains(t, out, `"document_id":"d1"`)
}

func TestHandleChat_CreatesSessionWhenAbsent(t *testing.T) {
	ch := &fakeChat{turn: &chat.Turn{Events: closedEvents(llm.StreamEvent{Token: "ok"})}}
	_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, ch)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new-session", rec.Header().Get("X-Session-ID"))
}

func TestHandleChat_EmptyQuery(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, &fakeChat{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"query":"  "}`))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "session missing", err: store.ErrSessionNotFound, want: http.StatusNotFound},
		{name: "turn in flight", err: chat.ErrTurnInFlight, want: http.StatusConflict},
		{name: "generation down", err: llm.ErrGenerationUnavailable, want: http.StatusBadGateway},
		{name: "embedding down", err: llm.ErrEmbeddingUnavailable, want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChat{converseErr: tt.err}
			_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, ch)

			req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id":"s1","query":"q"}`))
			req.Header.Set("X-User-ID", "alice")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleSessions(t *testing.T) {
	fs := newFakeStore()
	fs.sessions["s1"] = store.Session{ID: "s1", UserID: "alice"}
	fs.history["s1"] = []store.Message{
		{ID: 1, SessionID: "s1", Role: "user", Content: "hi"},
		{ID: 2, SessionID: "s1", Role: "assistant", Content: "hello"},
	}
	_, mux := newTestServer(t, fs, &fakeIngester{}, &fakeChat{})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/s1/messages", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []store.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)

	// another user's session is invisible
	req = httptest.NewRequest(http.MethodGet, "/api/sessions/s1/messages", nil)
	req.Header.Set("X-User-ID", "bob")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreateSession(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore(), &fakeIngester{}, &fakeChat{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var session store.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&session))
	assert.Equal(t, "new-session", session.ID)
}

func TestHandleAdminStats(t *testing.T) {
	fs := newFakeStore()
	fs.docCount = 3
	fs.sessCount = 2
	fs.msgCount = 11
	_, mux := newTestServer(t, fs, &fakeIngester{}, &fakeChat{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.EqualValues(t, 9, stats["total_chunks"])
	assert.Equal(t, "sqlite:test", stats["storage_descriptor"])
	assert.EqualValues(t, 3, stats["documents"])
	assert.EqualValues(t, 2, stats["sessions"])
	assert.EqualValues(t, 11, stats["messages"])
}
