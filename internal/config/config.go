package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"kbsync/internal/retry"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	StateBackendFile     = "file"
	StateBackendPostgres = "postgres"
)

const DefaultInstructions = "You are OptiBot, the customer-support bot for OptiSigns.com.\n" +
	"• Tone: helpful, factual, concise.\n" +
	"• Only answer using the uploaded docs.\n" +
	"• Max 5 bullet points; else link to the doc.\n" +
	"• Cite up to 3 \"Article URL:\" lines per reply."

type Config struct {
	HelpCenterURL      string  `envconfig:"HELPCENTER_URL" default:"https://support.optisigns.com"`
	HelpCenterLocale   string  `envconfig:"HELPCENTER_LOCALE" default:"en-us"`
	HelpCenterPageSize int     `envconfig:"HELPCENTER_PAGE_SIZE" default:"100"`
	HelpCenterRPS      float64 `envconfig:"HELPCENTER_RPS" default:"2"`

	OpenAIAPIKey  string  `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string  `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIRPS     float64 `envconfig:"OPENAI_RPS" default:"5"`

	AssistantName         string `envconfig:"ASSISTANT_NAME" default:"OptiBot - OptiSigns Support Assistant"`
	AssistantModel        string `envconfig:"ASSISTANT_MODEL" default:"gpt-4o-mini"`
	AssistantInstructions string `envconfig:"ASSISTANT_INSTRUCTIONS"`
	IndexName             string `envconfig:"INDEX_NAME" default:"optisigns-help-center"`

	StateBackend  string `envconfig:"STATE_BACKEND" default:"file"`
	StateDir      string `envconfig:"STATE_DIR" default:"./state"`
	DBHost        string `envconfig:"DB_HOST" default:"localhost"`
	DBPort        int    `envconfig:"DB_PORT" default:"5432"`
	DBUser        string `envconfig:"DB_USER" default:"kbsync"`
	DBPass        string `envconfig:"DB_PASS" default:"password"`
	DBName        string `envconfig:"DB_NAME" default:"kbsync"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	SyncConcurrency   int           `envconfig:"SYNC_CONCURRENCY" default:"4"`
	RetryMaxAttempts  int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"4"`
	RetryInitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"500ms"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"60s"`
	CheckpointEvery   int           `envconfig:"CHECKPOINT_EVERY" default:"25"`
	SyncInterval      time.Duration `envconfig:"SYNC_INTERVAL" default:"24h"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"LOG_DIR" default:"logs"`

	// Search mirror
	EnableMirror   bool   `envconfig:"ENABLE_MIRROR" default:"false"`
	NSQLookupd     string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost       string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP       string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	ChunkMaxTokens int    `envconfig:"CHUNK_MAX_TOKENS" default:"375"`
	ChunkOverlap   int    `envconfig:"CHUNK_OVERLAP" default:"50"`

	// Mirror search
	SearchAlpha    float32 `envconfig:"SEARCH_ALPHA" default:"0.5"`
	SearchTopK     int     `envconfig:"SEARCH_TOP_K" default:"10"`
	RerankProvider string  `envconfig:"RERANK_PROVIDER"`
	RerankAPIKey   string  `envconfig:"RERANK_API_KEY"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win over .env
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if cfg.AssistantInstructions == "" {
		cfg.AssistantInstructions = DefaultInstructions
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY", ErrMissingRequired)
	}
	if u, err := url.Parse(c.HelpCenterURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: HELPCENTER_URL %q", ErrInvalidValue, c.HelpCenterURL)
	}
	if c.HelpCenterPageSize < 1 || c.HelpCenterPageSize > 100 {
		return fmt.Errorf("%w: HELPCENTER_PAGE_SIZE must be between 1 and 100", ErrInvalidValue)
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("%w: SYNC_CONCURRENCY must be positive", ErrInvalidValue)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("%w: RETRY_MAX_ATTEMPTS must be positive", ErrInvalidValue)
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("%w: CHECKPOINT_EVERY must not be negative", ErrInvalidValue)
	}

	switch c.StateBackend {
	case StateBackendFile:
		if c.StateDir == "" {
			return fmt.Errorf("%w: STATE_DIR", ErrMissingRequired)
		}
	case StateBackendPostgres:
		if c.DBHost == "" {
			return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
		}
		if c.DBUser == "" {
			return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
		}
		if c.DBName == "" {
			return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: STATE_BACKEND %q", ErrInvalidValue, c.StateBackend)
	}

	if c.EnableMirror {
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
		if c.ChunkMaxTokens < 1 {
			return fmt.Errorf("%w: CHUNK_MAX_TOKENS must be positive", ErrInvalidValue)
		}
	}
	if c.SearchAlpha < 0 || c.SearchAlpha > 1 {
		return fmt.Errorf("%w: SEARCH_ALPHA must be between 0 and 1", ErrInvalidValue)
	}
	switch c.RerankProvider {
	case "":
	case "jina", "cohere":
		if c.RerankAPIKey == "" {
			return fmt.Errorf("%w: RERANK_API_KEY", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: RERANK_PROVIDER %q", ErrInvalidValue, c.RerankProvider)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= max(c.ChunkMaxTokens, 1) {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be below CHUNK_MAX_TOKENS", ErrInvalidValue)
	}
	return nil
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.RetryMaxAttempts,
		InitialInterval: c.RetryInitialDelay,
		MaxInterval:     c.RetryMaxDelay,
		Multiplier:      2,
		CallTimeout:     c.CallTimeout,
	}
}

func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPass),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
