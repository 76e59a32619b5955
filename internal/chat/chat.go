// Package chat runs document-grounded conversation turns: it retrieves
// context for a query, streams the model's answer token by token, and
// appends both sides of the turn to the session history.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"docchat/internal/llm"
	"docchat/internal/logging"
	"docchat/internal/rag"
	"docchat/internal/store"
)

// ErrTurnInFlight indicates the session already has a generation in
// progress. A new turn is rejected rather than queued.
var ErrTurnInFlight = errors.New("session has a turn in flight")

// Store is the persistence side of a chat turn
type Store interface {
	CreateSession(ctx context.Context, session store.Session) error
	GetSession(ctx context.Context, userID, sessionID string) (store.Session, error)
	AppendMessage(ctx context.Context, msg store.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	ListDocuments(ctx context.Context, userID string) ([]store.Document, error)
}

// Retriever assembles grounding context for a query
type Retriever interface {
	Retrieve(ctx context.Context, query string, documentIDs []string) (rag.RetrievedContext, error)
}

// Generator streams a chat completion
type Generator interface {
	Stream(ctx context.Context, messages []llm.Message) (<-chan llm.StreamEvent, error)
}

// Turn is one in-progress conversation turn. Citations are known as
// soon as retrieval finishes; Events delivers tokens and is closed
// when the answer is complete. Cancelling the context passed to
// Converse stops the underlying model call.
type Turn struct {
	SessionID string
	Citations []store.Citation
	Events    <-chan llm.StreamEvent
}

// Service coordinates chat turns. Turns for different sessions run
// concurrently; within one session at most one turn is in flight.
type Service struct {
	store        Store
	retriever    Retriever
	generator    Generator
	historyTurns int
	logger       *logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService creates a chat Service
func NewService(st Store, retriever Retriever, generator Generator, historyTurns int, logger *logging.Logger) *Service {
	if historyTurns <= 0 {
		historyTurns = 5
	}
	return &Service{
		store:        st,
		retriever:    retriever,
		generator:    generator,
		historyTurns: historyTurns,
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}
}

// NewSession creates an empty chat session for the user
func (s *Service) NewSession(ctx context.Context, userID string) (store.Session, error) {
	session := store.Session{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  "New Chat",
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return store.Session{}, err
	}
	return session, nil
}

// Converse runs one chat turn. Retrieval is scoped to the caller's
// documents, or to a single document when documentID is non-empty.
// The turn fails before any message is appended when the generation
// endpoint is unreachable; a mid-stream failure records the partial
// answer as an incomplete assistant message.
func (s *Service) Converse(ctx context.Context, userID, sessionID, query, documentID string) (*Turn, error) {
	if _, err := s.store.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	if !s.acquire(sessionID) {
		return nil, ErrTurnInFlight
	}
	started := false
	defer func() {
		if !started {
			s.release(sessionID)
		}
	}()

	var scope []string
	if documentID != "" {
		scope = []string{documentID}
	} else {
		docs, err := s.store.ListDocuments(ctx, userID)
		if err != nil {
			return nil, err
		}
		scope = make([]string, 0, len(docs))
		for _, d := range docs {
			scope = append(scope, d.ID)
		}
	}

	retrieved, err := s.retriever.Retrieve(ctx, query, scope)
	if err != nil {
		return nil, err
	}

	// History is read before the new user message is appended
	history, err := s.store.History(ctx, sessionID, s.historyTurns*2)
	if err != nil {
		return nil, err
	}

	messages := buildMessages(retrieved.Context, history, query)
	events, err := s.generator.Stream(ctx, messages)
	if err != nil {
		// Unreachable model: the turn fails visibly, nothing appended
		return nil, err
	}

	if err := s.store.AppendMessage(ctx, store.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   query,
	}); err != nil {
		return nil, err
	}

	citations := make([]store.Citation, 0, len(retrieved.Cited))
	for _, c := range retrieved.Cited {
		citations = append(citations, store.Citation{
			DocumentID: c.DocumentID,
			Ordinal:    c.Ordinal,
			Score:      c.Score,
		})
	}

	out := make(chan llm.StreamEvent, 32)
	started = true
	go s.pump(ctx, sessionID, citations, events, out)

	return &Turn{
		SessionID: sessionID,
		Citations: citations,
		Events:    out,
	}, nil
}

// pump forwards tokens to the consumer while accumulating the full
// answer, then persists the assistant message. A mid-stream error or
// consumer cancellation marks the message incomplete; zero accumulated
// tokens commit nothing.
func (s *Service) pump(ctx context.Context, sessionID string, citations []store.Citation, in <-chan llm.StreamEvent, out chan<- llm.StreamEvent) {
	defer s.release(sessionID)
	defer close(out)

	var answer strings.Builder
	incomplete := false

forward:
	for ev := range in {
		if ev.Err != nil {
			incomplete = true
			s.logger.WithFields(map[string]interface{}{
				"session_id": sessionID,
				"error":      ev.Err.Error(),
			}).Error("stream ended early")
			// The error frame must reach the consumer like any token
			select {
			case out <- ev:
			case <-ctx.Done():
			}
			break forward
		}
		answer.WriteString(ev.Token)
		select {
		case out <- ev:
		case <-ctx.Done():
			incomplete = true
			break forward
		}
	}
	if ctx.Err() != nil {
		incomplete = true
	}

	if answer.Len() == 0 {
		return
	}

	msg := store.Message{
		SessionID:  sessionID,
		Role:       "assistant",
		Content:    answer.String(),
		Citations:  citations,
		Incomplete: incomplete,
	}
	if err := s.store.AppendMessage(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("failed to append assistant message")
	}
}

// buildMessages assembles the prompt: system preamble plus retrieved
// context, then prior history oldest first, then the new query. The
// history window already dropped the oldest turns; the preamble and
// the newest user message are never dropped.
func buildMessages(retrievedContext string, history []store.Message, query string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: rag.BuildSystemPrompt(retrievedContext),
	})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})
	return messages
}

func (s *Service) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[sessionID]; busy {
		return false
	}
	s.inflight[sessionID] = struct{}{}
	return true
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, sessionID)
}
