package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Processor ProcessorConfig `yaml:"processor"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Index     IndexConfig     `yaml:"index"`
	Upload    UploadConfig    `yaml:"upload"`
	Web       WebConfig       `yaml:"web"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// MaxTokens bounds the answer length (1 to 100 in the front ends).
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float64       `yaml:"temperature"`
	ContextWindow int           `yaml:"context_window"`
	Timeout       time.Duration `yaml:"timeout"`
	KeepAlive     string        `yaml:"keep_alive"`
}

type EmbedderConfig struct {
	// BaseURL defaults to llm.base_url.
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	BatchSize int    `yaml:"batch_size"`
	CacheSize int    `yaml:"cache_size"`
}

type ProcessorConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

type RetrieverConfig struct {
	TopK     int     `yaml:"top_k"`
	MinScore float64 `yaml:"min_score"`
}

type IndexConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	TablePrefix string `yaml:"table_prefix"`
	VectorDim   int    `yaml:"vector_dim"`
	HNSW        bool   `yaml:"hnsw"`
}

type UploadConfig struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	Policy            string   `yaml:"policy"`
	StorageDir        string   `yaml:"storage_dir"`
	MaxBytes          int64    `yaml:"max_bytes"`
}

type WebConfig struct {
	RateLimit      float64       `yaml:"rate_limit"`
	Timeout        time.Duration `yaml:"timeout"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MaxSessions int    `yaml:"max_sessions"`
	// MessageRate limits websocket messages per second per connection.
	MessageRate float64 `yaml:"message_rate"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/documind/config.yaml"),
			"/etc/documind/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "deepseek-r1:1.5b"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 50
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.3
	}
	if config.LLM.ContextWindow == 0 {
		config.LLM.ContextWindow = 2048
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 2 * time.Minute
	}

	if config.Embedder.BaseURL == "" {
		config.Embedder.BaseURL = config.LLM.BaseURL
	}
	if config.Embedder.Model == "" {
		config.Embedder.Model = config.LLM.Model
	}
	if config.Embedder.BatchSize == 0 {
		config.Embedder.BatchSize = 32
	}
	if config.Embedder.CacheSize == 0 {
		config.Embedder.CacheSize = 1024
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}

	if config.Retriever.TopK == 0 {
		config.Retriever.TopK = 4
	}

	if config.Index.Backend == "" {
		config.Index.Backend = "memory"
	}
	if config.Index.TablePrefix == "" {
		config.Index.TablePrefix = "documind_chunks"
	}
	if config.Index.VectorDim == 0 {
		config.Index.VectorDim = 1536
	}

	if len(config.Upload.AllowedExtensions) == 0 {
		config.Upload.AllowedExtensions = []string{".pdf", ".txt", ".md", ".html"}
	}
	if config.Upload.Policy == "" {
		config.Upload.Policy = "append"
	}
	if config.Upload.StorageDir == "" {
		config.Upload.StorageDir = "document_store/uploads"
	}
	if config.Upload.MaxBytes == 0 {
		config.Upload.MaxBytes = 50 << 20
	}

	if config.Web.RateLimit == 0 {
		config.Web.RateLimit = 2.0
	}
	if config.Web.Timeout == 0 {
		config.Web.Timeout = 30 * time.Second
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Server.MaxSessions == 0 {
		config.Server.MaxSessions = 64
	}
	if config.Server.MessageRate == 0 {
		config.Server.MessageRate = 5
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Index.DatabaseURL = dbURL
	}
	if level := os.Getenv("DOCUMIND_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Addr = ":" + port
	}
}
