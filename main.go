package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"docchat/internal/api"
	"docchat/internal/chat"
	"docchat/internal/config"
	"docchat/internal/ingest"
	"docchat/internal/llm"
	"docchat/internal/logging"
	"docchat/internal/parser"
	"docchat/internal/rag"
	"docchat/internal/store"
	"docchat/internal/vecindex"
	"docchat/internal/watcher"
)

const version = "1.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "docchat",
		Short: "docchat: chat with your documents",
		Long:  "docchat ingests documents into a local vector index and answers questions about them with a language model.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(serveCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	}
}

func ingestCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a document from the command line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), args[0], userID)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "user id that owns the document")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("docchat v%s\n", version)
		},
	}
}

// app holds the wired application components shared by the serve and
// ingest commands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *store.Store
	index    *vecindex.Index
	ingester *ingest.Ingester
	chat     *chat.Service
	hub      *api.WebSocketHub
}

func buildApp(notify bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.NewLogger("main", level, nil)

	st, err := store.NewStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	index, err := vecindex.Open(cfg.Storage.IndexPath, logging.NewLogger("vecindex", level, nil))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	provider, err := llm.NewProvider(llm.Config{
		Type:             cfg.Provider.Type,
		OllamaEndpoint:   cfg.Provider.OllamaEndpoint,
		OllamaEmbedModel: cfg.Provider.OllamaEmbedModel,
		OllamaChatModel:  cfg.Provider.OllamaChatModel,
		OpenAIKeyEnv:     cfg.Provider.OpenAIKeyEnv,
		OpenAIEmbedModel: cfg.Provider.OpenAIEmbedModel,
		OpenAIChatModel:  cfg.Provider.OpenAIChatModel,
	}, logging.NewLogger("llm", level, nil))
	if err != nil {
		index.Close()
		st.Close()
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	embedder := llm.NewEmbeddingClient(
		provider,
		cfg.Provider.EmbedBatchSize,
		cfg.ProviderTimeout(),
		cfg.Provider.RequestsPerSec,
		logging.NewLogger("embedding", level, nil),
	)

	chunker, err := rag.NewChunker(cfg.Chunker.ChunkSize, cfg.Chunker.Overlap)
	if err != nil {
		index.Close()
		st.Close()
		return nil, fmt.Errorf("invalid chunker configuration: %w", err)
	}

	var hub *api.WebSocketHub
	var notifier ingest.Notifier
	if notify {
		hub = api.NewWebSocketHub(logging.NewLogger("websocket", level, nil))
		notifier = hub
	}

	ingester := ingest.NewIngester(st, embedder, index, chunker, notifier, logging.NewLogger("ingest", level, nil))

	retriever := rag.NewRetriever(embedder, index, cfg.Retrieval.TopK, cfg.Retrieval.ContextBudget, logging.NewLogger("retrieval", level, nil))
	chatSvc := chat.NewService(st, retriever, provider, cfg.Chat.HistoryTurns, logging.NewLogger("chat", level, nil))

	logger.WithField("provider", provider.Name()).Info("components initialized")

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		index:    index,
		ingester: ingester,
		chat:     chatSvc,
		hub:      hub,
	}, nil
}

func (a *app) close() {
	a.index.Close()
	a.store.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Watcher.Enabled {
		w, err := watcher.NewWatcher(a.ingester, a.store, a.cfg.Watcher.Path, a.cfg.Watcher.UserID,
			logging.NewLogger("watcher", logging.ParseLevel(a.cfg.Logging.Level), nil))
		if err != nil {
			return fmt.Errorf("failed to initialize watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
	}

	apiServer := api.NewServer(a.store, a.ingester, a.chat, a.index, a.hub, a.cfg.Storage.UploadDir,
		logging.NewLogger("api", logging.ParseLevel(a.cfg.Logging.Level), nil))

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.BindAddress, a.cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		a.logger.WithField("addr", addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithField("error", err.Error()).Error("server error")
		}
	}()

	<-ctx.Done()

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	a.logger.Info("stopped")
	return nil
}

// runIngest ingests one file synchronously: it starts the pipeline and
// polls the document until it reaches a terminal status.
func runIngest(ctx context.Context, path, userID string) error {
	if !parser.Supported(path) {
		return fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	doc := store.Document{
		ID:       uuid.New().String(),
		UserID:   userID,
		Title:    filepath.Base(abs),
		Filename: filepath.Base(abs),
		FilePath: abs,
		Status:   store.StatusPending,
	}
	if err := a.store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	if err := a.ingester.IngestFile(ctx, userID, doc.ID, abs); err != nil {
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := a.store.GetDocument(ctx, userID, doc.ID)
		if err != nil {
			return err
		}
		switch current.Status {
		case store.StatusCompleted:
			fmt.Printf("ingested %s: %d chunks (document %s)\n", current.Filename, current.ChunkCount, current.ID)
			return nil
		case store.StatusFailed:
			return fmt.Errorf("ingestion failed: %s", current.FailureReason)
		}
	}
}
