package kgraph

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/brunobiangulo/kgraph/chunker"
	"github.com/brunobiangulo/kgraph/graph"
	"github.com/brunobiangulo/kgraph/llm"
	"github.com/brunobiangulo/kgraph/merge"
	"github.com/brunobiangulo/kgraph/query"
)

// Sink backends.
const (
	BackendSQLite = "sqlite"
	BackendNeo4j  = "neo4j"
)

// envPrefix is the prefix of every environment override, e.g.
// KGRAPH_CHAT_MODEL or KGRAPH_MERGE_ENTITY_THRESHOLD.
const envPrefix = "KGRAPH"

// Config holds all configuration for the engine.
type Config struct {
	// DBPath is the SQLite database file. Empty keeps the graph in memory,
	// so every process starts with an empty graph.
	DBPath string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`

	// EmbeddingDim must match the embedding model.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim" mapstructure:"embedding_dim"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat" mapstructure:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding" mapstructure:"embedding"`

	// ChunkSize is the maximum chunk length in bytes.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size" mapstructure:"chunk_size"`

	Merge MergeConfig `json:"merge" yaml:"merge" mapstructure:"merge"`
	Sink  SinkConfig  `json:"sink" yaml:"sink" mapstructure:"sink"`
	Query QueryConfig `json:"query" yaml:"query" mapstructure:"query"`

	Server ServerConfig `json:"server" yaml:"server" mapstructure:"server"`

	// MetricsNamespace prefixes every Prometheus metric.
	MetricsNamespace string `json:"metrics_namespace" yaml:"metrics_namespace" mapstructure:"metrics_namespace"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider   string        `json:"provider" yaml:"provider" mapstructure:"provider"` // openai, ollama, lmstudio, openrouter, groq, xai, gemini, siliconflow, custom
	Model      string        `json:"model" yaml:"model" mapstructure:"model"`
	BaseURL    string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey     string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
}

func (c LLMConfig) provider() llm.Config {
	return llm.Config{
		Provider:   c.Provider,
		Model:      c.Model,
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay,
	}
}

// MergeConfig tunes similarity deduplication.
type MergeConfig struct {
	EntityThreshold   float64 `json:"entity_threshold" yaml:"entity_threshold" mapstructure:"entity_threshold"`
	RelationThreshold float64 `json:"relation_threshold" yaml:"relation_threshold" mapstructure:"relation_threshold"`
	BatchSize         int     `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
}

// SinkConfig selects where the graph is written.
type SinkConfig struct {
	Backend string            `json:"backend" yaml:"backend" mapstructure:"backend"` // sqlite or neo4j
	Neo4j   graph.Neo4jConfig `json:"neo4j" yaml:"neo4j" mapstructure:"neo4j"`
}

// QueryConfig sets defaults for graph queries.
type QueryConfig struct {
	TopK  int `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	Depth int `json:"depth" yaml:"depth" mapstructure:"depth"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr     string `json:"addr" yaml:"addr" mapstructure:"addr"`
	BasePath string `json:"base_path" yaml:"base_path" mapstructure:"base_path"`
	// APIKey enables bearer authentication when set.
	APIKey string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	// UploadDir receives uploaded files. Empty uses the OS temp dir.
	UploadDir      string   `json:"upload_dir" yaml:"upload_dir" mapstructure:"upload_dir"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// DefaultConfig returns a Config using OpenAI chat and embedding models
// and an in-memory graph.
func DefaultConfig() Config {
	return Config{
		EmbeddingDim: 1536,
		Chat: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4",
			Timeout:  llm.DefaultTimeout,
		},
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			Timeout:  llm.DefaultTimeout,
		},
		ChunkSize: chunker.DefaultMaxSize,
		Merge: MergeConfig{
			EntityThreshold:   merge.DefaultEntityThreshold,
			RelationThreshold: merge.DefaultRelationThreshold,
			BatchSize:         merge.DefaultBatchSize,
		},
		Sink: SinkConfig{
			Backend: BackendSQLite,
			Neo4j:   graph.Neo4jConfig{URI: "neo4j://localhost:7687", Username: "neo4j", Database: "neo4j"},
		},
		Query: QueryConfig{TopK: query.DefaultTopK, Depth: query.DefaultDepth},
		Server: ServerConfig{
			Addr:     ":5000",
			BasePath: "/graph-rag/api",
		},
		MetricsNamespace: "kgraph",
		LogLevel:         "info",
	}
}

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []string
	for name, v := range map[string]float64{
		"merge.entity_threshold":   c.Merge.EntityThreshold,
		"merge.relation_threshold": c.Merge.RelationThreshold,
	} {
		if v < -1 || v > 1.5 {
			problems = append(problems, fmt.Sprintf("%s must be within [-1, 1.5], got %g", name, v))
		}
	}
	if c.ChunkSize <= 0 {
		problems = append(problems, fmt.Sprintf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.EmbeddingDim <= 0 {
		problems = append(problems, fmt.Sprintf("embedding_dim must be positive, got %d", c.EmbeddingDim))
	}
	if c.Chat.Provider == "" {
		problems = append(problems, "chat.provider is required")
	}
	if c.Embedding.Provider == "" {
		problems = append(problems, "embedding.provider is required")
	}
	switch c.Sink.Backend {
	case BackendSQLite:
	case BackendNeo4j:
		if c.Sink.Neo4j.URI == "" {
			problems = append(problems, "sink.neo4j.uri is required for the neo4j backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown sink.backend %q", c.Sink.Backend))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// LoadConfig builds a Config from defaults, an optional .env file, an
// optional YAML or JSON file at path and KGRAPH_* environment variables,
// in increasing order of precedence. The variable names used by the
// original Python deployment (OPENAI_API_KEY, CHAT_MODEL, CHAT_MODEL_HOST,
// EMBEDDING_MODEL, EMBEDDING_MODEL_HOST, EMBEDDING_API_KEY) are honoured
// as fallbacks.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: loading .env", "error", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	fallbacks := map[string][]string{
		"chat.api_key":       {"KGRAPH_CHAT_API_KEY", "OPENAI_API_KEY"},
		"chat.model":         {"KGRAPH_CHAT_MODEL", "CHAT_MODEL"},
		"chat.base_url":      {"KGRAPH_CHAT_BASE_URL", "CHAT_MODEL_HOST"},
		"embedding.api_key":  {"KGRAPH_EMBEDDING_API_KEY", "EMBEDDING_API_KEY", "OPENAI_API_KEY"},
		"embedding.model":    {"KGRAPH_EMBEDDING_MODEL", "EMBEDDING_MODEL"},
		"embedding.base_url": {"KGRAPH_EMBEDDING_BASE_URL", "EMBEDDING_MODEL_HOST"},
	}
	for key, envs := range fallbacks {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("config: binding %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("embedding_dim", cfg.EmbeddingDim)
	for prefix, c := range map[string]LLMConfig{"chat": cfg.Chat, "embedding": cfg.Embedding} {
		v.SetDefault(prefix+".provider", c.Provider)
		v.SetDefault(prefix+".model", c.Model)
		v.SetDefault(prefix+".base_url", c.BaseURL)
		v.SetDefault(prefix+".api_key", c.APIKey)
		v.SetDefault(prefix+".timeout", c.Timeout)
		v.SetDefault(prefix+".max_retries", c.MaxRetries)
		v.SetDefault(prefix+".retry_delay", c.RetryDelay)
	}
	v.SetDefault("chunk_size", cfg.ChunkSize)
	v.SetDefault("merge.entity_threshold", cfg.Merge.EntityThreshold)
	v.SetDefault("merge.relation_threshold", cfg.Merge.RelationThreshold)
	v.SetDefault("merge.batch_size", cfg.Merge.BatchSize)
	v.SetDefault("sink.backend", cfg.Sink.Backend)
	v.SetDefault("sink.neo4j.uri", cfg.Sink.Neo4j.URI)
	v.SetDefault("sink.neo4j.username", cfg.Sink.Neo4j.Username)
	v.SetDefault("sink.neo4j.password", cfg.Sink.Neo4j.Password)
	v.SetDefault("sink.neo4j.database", cfg.Sink.Neo4j.Database)
	v.SetDefault("query.top_k", cfg.Query.TopK)
	v.SetDefault("query.depth", cfg.Query.Depth)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.base_path", cfg.Server.BasePath)
	v.SetDefault("server.api_key", cfg.Server.APIKey)
	v.SetDefault("server.upload_dir", cfg.Server.UploadDir)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("metrics_namespace", cfg.MetricsNamespace)
	v.SetDefault("log_level", cfg.LogLevel)
}

// ParseLevel maps a config log level to slog.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ensureDir creates the parent directory of a database file.
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
