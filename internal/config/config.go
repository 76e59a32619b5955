package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	Type             string  `yaml:"type"` // "ollama" or "openai"
	OllamaEndpoint   string  `yaml:"ollama_endpoint"`
	OllamaEmbedModel string  `yaml:"ollama_embed_model"`
	OllamaChatModel  string  `yaml:"ollama_chat_model"`
	OpenAIKeyEnv     string  `yaml:"openai_key_env"`
	OpenAIEmbedModel string  `yaml:"openai_embed_model"`
	OpenAIChatModel  string  `yaml:"openai_chat_model"`
	TimeoutSecs      int     `yaml:"timeout_secs"`
	EmbedBatchSize   int     `yaml:"embed_batch_size"`
	RequestsPerSec   float64 `yaml:"requests_per_sec"`
}

// ChunkerConfig configures how document text is split.
type ChunkerConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
}

// RetrievalConfig configures context assembly for chat.
type RetrievalConfig struct {
	TopK          int `yaml:"top_k"`
	ContextBudget int `yaml:"context_budget"` // max characters of retrieved text per turn
}

// ChatConfig configures prompt construction.
type ChatConfig struct {
	HistoryTurns int `yaml:"history_turns"` // user/assistant pairs carried into the prompt
}

// WatcherConfig configures watched-folder ingestion. Files dropped
// into Path are ingested on behalf of UserID.
type WatcherConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	UserID  string `yaml:"user_id"`
}

// StorageConfig holds database and upload locations.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"`
	UploadDir    string `yaml:"upload_dir"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Chat      ChatConfig      `yaml:"chat"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Load reads a YAML config from path. A missing file yields defaults.
// A .env file next to the process, if present, is loaded first so that
// key material referenced by the config is available via os.Getenv.
func Load(path string) (*Config, error) {
	// .env is optional; ignore absence
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProviderTimeout returns the configured model-call timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSecs) * time.Second
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "ollama"
	}
	if cfg.Provider.OllamaEndpoint == "" {
		cfg.Provider.OllamaEndpoint = "http://localhost:11434"
	}
	if cfg.Provider.OllamaEmbedModel == "" {
		cfg.Provider.OllamaEmbedModel = "nomic-embed-text"
	}
	if cfg.Provider.OllamaChatModel == "" {
		cfg.Provider.OllamaChatModel = "llama3.2"
	}
	if cfg.Provider.OpenAIKeyEnv == "" {
		cfg.Provider.OpenAIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Provider.OpenAIEmbedModel == "" {
		cfg.Provider.OpenAIEmbedModel = "text-embedding-3-small"
	}
	if cfg.Provider.OpenAIChatModel == "" {
		cfg.Provider.OpenAIChatModel = "gpt-4o-mini"
	}
	if cfg.Provider.TimeoutSecs == 0 {
		cfg.Provider.TimeoutSecs = 60
	}
	if cfg.Provider.EmbedBatchSize == 0 {
		cfg.Provider.EmbedBatchSize = 32
	}
	if cfg.Provider.RequestsPerSec == 0 {
		cfg.Provider.RequestsPerSec = 10
	}
	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = 1000
	}
	if cfg.Chunker.Overlap == 0 {
		cfg.Chunker.Overlap = 200
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.ContextBudget == 0 {
		cfg.Retrieval.ContextBudget = 6000
	}
	if cfg.Chat.HistoryTurns == 0 {
		cfg.Chat.HistoryTurns = 5
	}
	if cfg.Watcher.Path == "" {
		cfg.Watcher.Path = "watched"
	}
	if cfg.Watcher.UserID == "" {
		cfg.Watcher.UserID = "watcher"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "docchat.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "vectors.db"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "uploads"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	if cfg.Chunker.Overlap < 0 || cfg.Chunker.Overlap >= cfg.Chunker.ChunkSize {
		return fmt.Errorf("chunker overlap %d must satisfy 0 <= overlap < chunk_size %d",
			cfg.Chunker.Overlap, cfg.Chunker.ChunkSize)
	}
	switch cfg.Provider.Type {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
	return nil
}
