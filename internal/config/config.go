// Package config loads the service configuration from YAML with
// environment-variable overrides and defaults for every missing value.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Index      IndexConfig      `yaml:"index"`
	Query      QueryConfig      `yaml:"query"`
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Tools      ToolsConfig      `yaml:"tools"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Guidelines GuidelinesConfig `yaml:"guidelines"`
}

// LoggingConfig controls slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	MCPStateless    bool          `yaml:"mcpStateless"`
}

// CorpusConfig describes the two indexed directories and how they are watched.
type CorpusConfig struct {
	PatientDir   string        `yaml:"patientDir"`
	ResearchDir  string        `yaml:"researchDir"`
	Extensions   []string      `yaml:"extensions"`
	ScanInterval time.Duration `yaml:"scanInterval"`
	Watch        bool          `yaml:"watch"`
	CatalogPath  string        `yaml:"catalogPath"` // SQLite file; empty keeps the catalog in memory
}

// ChunkerConfig sizes chunks in runes.
type ChunkerConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// EmbeddingConfig configures the embedding adapter.
type EmbeddingConfig struct {
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"baseURL"`
	BatchSize int           `yaml:"batchSize"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cacheSize"`
}

// IndexConfig tunes fusion and the indexing worker pool.
type IndexConfig struct {
	LexicalWeight float64 `yaml:"lexicalWeight"`
	VectorWeight  float64 `yaml:"vectorWeight"`
	CandidatePool int     `yaml:"candidatePool"`
	RRFK          int     `yaml:"rrfK"`
	RRFWeight     float64 `yaml:"rrfWeight"`
	Workers       int     `yaml:"workers"`
}

// QueryConfig configures the question-answering service.
type QueryConfig struct {
	TopK               int           `yaml:"topK"`
	ContextBudgetChars int           `yaml:"contextBudgetChars"`
	GenerationTimeout  time.Duration `yaml:"generationTimeout"`
}

// LLMConfig configures the chat model used for generation and reasoning.
type LLMConfig struct {
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"baseURL"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"maxTokens"` // prompt truncation budget
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	MaxSteps         int           `yaml:"maxSteps"`
	ReasoningTimeout time.Duration `yaml:"reasoningTimeout"`
}

// ToolsConfig configures the tool adapters.
type ToolsConfig struct {
	Timeout      time.Duration      `yaml:"timeout"`
	Retries      int                `yaml:"retries"`
	RetryDelay   time.Duration      `yaml:"retryDelay"`
	Research     ResearchConfig     `yaml:"research"`
	Interactions InteractionsConfig `yaml:"interactions"`
}

// ResearchConfig configures the research-metadata lookup.
type ResearchConfig struct {
	BaseURL          string        `yaml:"baseURL"`
	APIKey           string        `yaml:"apiKey"`
	Limit            int           `yaml:"limit"`
	RequestsPerSec   float64       `yaml:"requestsPerSecond"`
	MinResults       int           `yaml:"minResults"`
	IndexWaitTimeout time.Duration `yaml:"indexWaitTimeout"`
	Retention        time.Duration `yaml:"retention"`
	FetchOnMiss      bool          `yaml:"fetchOnMiss"`
}

// InteractionsConfig selects the drug-interaction source.
type InteractionsConfig struct {
	BaseURL        string  `yaml:"baseURL"`
	TablePath      string  `yaml:"tablePath"`
	RequestsPerSec float64 `yaml:"requestsPerSecond"`
}

// QdrantConfig configures the optional vector mirror.
type QdrantConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	Dimension  int    `yaml:"dimension"`
}

// RedisConfig configures the optional answer cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig configures the optional index event stream.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PostgresConfig configures the optional agent session audit log.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// GuidelinesConfig points at a GitHub directory of markdown clinical guidelines.
type GuidelinesConfig struct {
	Owner  string `yaml:"owner"`
	Repo   string `yaml:"repo"`
	Path   string `yaml:"path"`
	Branch string `yaml:"branch"`
	Subdir string `yaml:"subdir"` // written under Corpus.ResearchDir
	// Interval between mirror passes in the server; zero syncs once at startup.
	Interval time.Duration `yaml:"interval"`
}

// Enabled reports whether a guideline repository is configured.
func (g GuidelinesConfig) Enabled() bool {
	return g.Owner != "" && g.Repo != ""
}

// Load reads the YAML file at path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Addr:            ":8001",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  3 * time.Minute,
		},
		Corpus: CorpusConfig{
			PatientDir:   "data/patient_text",
			ResearchDir:  "data/research",
			Extensions:   []string{".txt", ".md"},
			ScanInterval: 10 * time.Second,
			Watch:        true,
		},
		Chunker: ChunkerConfig{Size: 1000, Overlap: 200},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-3-small",
			BatchSize: 64,
			Timeout:   30 * time.Second,
			CacheSize: 50000,
		},
		Index: IndexConfig{
			LexicalWeight: 0.5,
			VectorWeight:  0.5,
			CandidatePool: 50,
			RRFK:          60,
			RRFWeight:     1.0,
			Workers:       4,
		},
		Query: QueryConfig{
			TopK:               5,
			ContextBudgetChars: 8000,
			GenerationTimeout:  60 * time.Second,
		},
		LLM: LLMConfig{
			Model:     "gpt-4o",
			Timeout:   60 * time.Second,
			MaxTokens: 16000,
		},
		Agent: AgentConfig{
			MaxSteps:         6,
			ReasoningTimeout: 45 * time.Second,
		},
		Tools: ToolsConfig{
			Timeout:    15 * time.Second,
			Retries:    1,
			RetryDelay: 500 * time.Millisecond,
			Research: ResearchConfig{
				BaseURL:          "https://api.semanticscholar.org",
				Limit:            5,
				RequestsPerSec:   1,
				MinResults:       2,
				IndexWaitTimeout: 30 * time.Second,
				Retention:        7 * 24 * time.Hour,
				FetchOnMiss:      true,
			},
			Interactions: InteractionsConfig{RequestsPerSec: 5},
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "clinical_chunks",
			Dimension:  1536,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "clinical.index.events",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "clinical",
			User:            "clinical",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Guidelines: GuidelinesConfig{
			Branch:   "main",
			Subdir:   "guidelines",
			Interval: time.Hour,
		},
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Chunker.Size <= 0 {
		errs = append(errs, errors.New("chunker.size must be positive"))
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		errs = append(errs, errors.New("chunker.overlap must be in [0, size)"))
	}
	if c.Index.LexicalWeight < 0 || c.Index.VectorWeight < 0 {
		errs = append(errs, errors.New("index weights must not be negative"))
	}
	if c.Index.LexicalWeight+c.Index.VectorWeight == 0 {
		errs = append(errs, errors.New("index weights must not both be zero"))
	}
	if c.Agent.MaxSteps < 1 {
		errs = append(errs, errors.New("agent.maxSteps must be at least 1"))
	}
	if c.Tools.Retries < 0 {
		errs = append(errs, errors.New("tools.retries must not be negative"))
	}
	if c.Corpus.PatientDir == "" || c.Corpus.ResearchDir == "" {
		errs = append(errs, errors.New("corpus.patientDir and corpus.researchDir are required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnvOverrides reads CDS_* variables over the loaded values.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Logging.Level, "CDS_LOG_LEVEL")
	setString(&cfg.Logging.Format, "CDS_LOG_FORMAT")
	setString(&cfg.Server.Addr, "CDS_SERVER_ADDR")
	setString(&cfg.Corpus.PatientDir, "CDS_PATIENT_DIR")
	setString(&cfg.Corpus.ResearchDir, "CDS_RESEARCH_DIR")
	setString(&cfg.Corpus.CatalogPath, "CDS_CATALOG_PATH")
	setDuration(&cfg.Corpus.ScanInterval, "CDS_SCAN_INTERVAL")
	setBool(&cfg.Corpus.Watch, "CDS_WATCH")
	setString(&cfg.Embedding.Model, "CDS_EMBEDDING_MODEL")
	setString(&cfg.Embedding.BaseURL, "CDS_EMBEDDING_BASE_URL")
	setString(&cfg.LLM.Model, "CDS_LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "CDS_LLM_BASE_URL")
	setInt(&cfg.Agent.MaxSteps, "CDS_AGENT_MAX_STEPS")
	setString(&cfg.Tools.Research.BaseURL, "CDS_RESEARCH_BASE_URL")
	setString(&cfg.Tools.Research.APIKey, "CDS_RESEARCH_API_KEY")
	setString(&cfg.Tools.Interactions.BaseURL, "CDS_INTERACTIONS_BASE_URL")
	setString(&cfg.Tools.Interactions.TablePath, "CDS_INTERACTIONS_TABLE")

	setBool(&cfg.Qdrant.Enabled, "CDS_QDRANT_ENABLED")
	setString(&cfg.Qdrant.Host, "QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "QDRANT_PORT")

	setBool(&cfg.Redis.Enabled, "CDS_REDIS_ENABLED")
	setString(&cfg.Redis.Addr, "CDS_REDIS_ADDR")
	setString(&cfg.Redis.Password, "CDS_REDIS_PASSWORD")

	setBool(&cfg.Kafka.Enabled, "CDS_KAFKA_ENABLED")
	if v := os.Getenv("CDS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString(&cfg.Kafka.Topic, "CDS_KAFKA_TOPIC")

	setBool(&cfg.Postgres.Enabled, "CDS_POSTGRES_ENABLED")
	setString(&cfg.Postgres.Host, "CDS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CDS_POSTGRES_PORT")
	setString(&cfg.Postgres.Database, "CDS_POSTGRES_DB")
	setString(&cfg.Postgres.User, "CDS_POSTGRES_USER")
	setString(&cfg.Postgres.Password, "CDS_POSTGRES_PASSWORD")

	setString(&cfg.Guidelines.Owner, "CDS_GUIDELINES_OWNER")
	setString(&cfg.Guidelines.Repo, "CDS_GUIDELINES_REPO")
	setString(&cfg.Guidelines.Path, "CDS_GUIDELINES_PATH")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
