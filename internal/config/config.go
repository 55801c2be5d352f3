// Package config loads the RepoPilot configuration using Viper with the
// hierarchy: Env Vars > Config File > Defaults. A .env file in the working
// directory is folded into the environment before Viper runs.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aahilsayed062/repopilot/internal/logger"
)

// Config represents the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Repo      RepoConfig      `mapstructure:"repo"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Index     IndexConfig     `mapstructure:"index"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Providers ProviderConfig  `mapstructure:"providers"`
	Logging   logger.Config   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type RepoConfig struct {
	DataDir             string `mapstructure:"data_dir"`
	MaxRepoSizeMB       int64  `mapstructure:"max_repo_size_mb"`
	MaxFiles            int    `mapstructure:"max_files"`
	CloneTimeoutSeconds int    `mapstructure:"clone_timeout_seconds"`
}

type ChunkingConfig struct {
	CodeChunkLines   int `mapstructure:"code_chunk_lines"`
	CodeChunkOverlap int `mapstructure:"code_chunk_overlap"`
	DocChunkTokens   int `mapstructure:"doc_chunk_tokens"`
	DocChunkOverlap  int `mapstructure:"doc_chunk_overlap"`
}

type IndexConfig struct {
	BatchSize           int   `mapstructure:"batch_size"`
	FileReadConcurrency int   `mapstructure:"file_read_concurrency"`
	MaxFiles            int   `mapstructure:"max_files"`
	MaxFileSizeKB       int64 `mapstructure:"max_file_size_kb"`
	MaxTotalMB          int64 `mapstructure:"max_total_mb"`
	MaxChunks           int   `mapstructure:"max_chunks"`
	TimeBudgetSeconds   int   `mapstructure:"time_budget_seconds"`
	UsePersistentIndex  bool  `mapstructure:"use_persistent_index"`
}

type RetrievalConfig struct {
	TopK int `mapstructure:"top_k"`
}

// ProviderConfig selects and configures the embedding and chat backends.
type ProviderConfig struct {
	OpenAIAPIKey         string `mapstructure:"openai_api_key"`
	OpenAIBaseURL        string `mapstructure:"openai_base_url"`
	OpenAIChatModel      string `mapstructure:"openai_chat_model"`
	OpenAIEmbeddingModel string `mapstructure:"openai_embedding_model"`

	GeminiAPIKey         string `mapstructure:"gemini_api_key"`
	GeminiChatModel      string `mapstructure:"gemini_chat_model"`
	GeminiEmbeddingModel string `mapstructure:"gemini_embedding_model"`

	OllamaBaseURL     string `mapstructure:"ollama_base_url"`
	OllamaModelA      string `mapstructure:"ollama_model_a"`
	OllamaModelB      string `mapstructure:"ollama_model_b"`
	OllamaModelRouter string `mapstructure:"ollama_model_router"`
	OllamaEmbedModel  string `mapstructure:"ollama_embed_model"`
}

// MockMode reports whether no real provider credentials are configured, in
// which case the deterministic mock backends serve every request.
func (p ProviderConfig) MockMode() bool {
	return p.OpenAIAPIKey == "" && p.GeminiAPIKey == "" && p.OllamaBaseURL == ""
}

// Load reads configuration from .env, environment variables, and an optional
// config.yaml in the working directory.
func Load() (*Config, error) {
	// Best effort: a missing .env is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.repopilot")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		slog.Info("loaded configuration file", "file", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	abs, err := filepath.Abs(cfg.Repo.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	cfg.Repo.DataDir = abs

	return &cfg, nil
}

// bindLegacyEnv maps the flat environment variable names the deployment
// scripts use onto the structured keys.
func bindLegacyEnv(v *viper.Viper) {
	aliases := map[string]string{
		"repo.data_dir":                 "DATA_DIR",
		"repo.max_repo_size_mb":         "MAX_REPO_SIZE_MB",
		"repo.max_files":                "MAX_FILES",
		"repo.clone_timeout_seconds":    "CLONE_TIMEOUT_SECONDS",
		"index.batch_size":              "INDEX_BATCH_SIZE",
		"index.file_read_concurrency":   "FILE_READ_CONCURRENCY",
		"index.max_files":               "INDEX_MAX_FILES",
		"index.max_file_size_kb":        "INDEX_MAX_FILE_SIZE_KB",
		"index.max_total_mb":            "INDEX_MAX_TOTAL_MB",
		"index.max_chunks":              "INDEX_MAX_CHUNKS",
		"index.time_budget_seconds":     "INDEX_TIME_BUDGET_SECONDS",
		"index.use_persistent_index":    "USE_PERSISTENT_INDEX",
		"server.port":                   "PORT",
		"server.host":                   "HOST",
		"providers.openai_api_key":      "OPENAI_API_KEY",
		"providers.openai_base_url":     "OPENAI_BASE_URL",
		"providers.gemini_api_key":      "GEMINI_API_KEY",
		"providers.ollama_base_url":     "OLLAMA_BASE_URL",
		"providers.ollama_model_a":      "OLLAMA_MODEL_A",
		"providers.ollama_model_b":      "OLLAMA_MODEL_B",
		"providers.ollama_model_router": "OLLAMA_MODEL_ROUTER",
		"providers.ollama_embed_model":  "OLLAMA_EMBED_MODEL",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	// Repository manager
	v.SetDefault("repo.data_dir", "./data")
	v.SetDefault("repo.max_repo_size_mb", 512)
	v.SetDefault("repo.max_files", 10000)
	v.SetDefault("repo.clone_timeout_seconds", 900)

	// Chunking
	v.SetDefault("chunking.code_chunk_lines", 150)
	v.SetDefault("chunking.code_chunk_overlap", 20)
	v.SetDefault("chunking.doc_chunk_tokens", 500)
	v.SetDefault("chunking.doc_chunk_overlap", 100)

	// Indexing
	v.SetDefault("index.batch_size", 250)
	v.SetDefault("index.file_read_concurrency", 32)
	v.SetDefault("index.max_files", 900)
	v.SetDefault("index.max_file_size_kb", 256)
	v.SetDefault("index.max_total_mb", 20)
	v.SetDefault("index.max_chunks", 2500)
	v.SetDefault("index.time_budget_seconds", 55)
	v.SetDefault("index.use_persistent_index", false)

	// Retrieval
	v.SetDefault("retrieval.top_k", 3)

	// Providers
	v.SetDefault("providers.openai_chat_model", "gpt-4o")
	v.SetDefault("providers.openai_embedding_model", "text-embedding-ada-002")
	v.SetDefault("providers.gemini_chat_model", "gemini-2.0-flash")
	v.SetDefault("providers.gemini_embedding_model", "text-embedding-004")
	v.SetDefault("providers.ollama_model_a", "qwen2.5-coder:1.5b")
	v.SetDefault("providers.ollama_model_b", "qwen2.5-coder:3b")
	v.SetDefault("providers.ollama_model_router", "")
	v.SetDefault("providers.ollama_embed_model", "nomic-embed-text")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

// CloneTimeout returns the clone deadline as a duration.
func (r RepoConfig) CloneTimeout() time.Duration {
	return time.Duration(r.CloneTimeoutSeconds) * time.Second
}

// TimeBudget returns the indexing wall-clock budget as a duration.
func (i IndexConfig) TimeBudget() time.Duration {
	return time.Duration(i.TimeBudgetSeconds) * time.Second
}

// MaxFileSizeBytes returns the per-file indexing cap in bytes.
func (i IndexConfig) MaxFileSizeBytes() int64 { return i.MaxFileSizeKB * 1024 }

// MaxTotalBytes returns the total indexing ingest cap in bytes.
func (i IndexConfig) MaxTotalBytes() int64 { return i.MaxTotalMB * 1024 * 1024 }

// MaxRepoSizeBytes returns the repository size cap in bytes.
func (r RepoConfig) MaxRepoSizeBytes() int64 { return r.MaxRepoSizeMB * 1024 * 1024 }
