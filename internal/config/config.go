// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.docchat/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: provider, model, embedder
//   - Retrieval: chunk size/overlap, top-k
//   - Storage: PostgreSQL connection, upload staging directory
//   - Serve: CORS origins, per-IP rate limits
//   - Tracing: optional OTLP exporter
//
// Sensitive values (the PostgreSQL password) are masked in MarshalJSON and
// never logged. Validation is fail-fast: Load returns an error rather than
// letting a misconfigured service start.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
// Check with errors.Is().
var (
	ErrConfigNil            = errors.New("configuration is nil")
	ErrMissingAPIKey        = errors.New("missing API key")
	ErrInvalidProvider      = errors.New("invalid provider")
	ErrInvalidModelName     = errors.New("invalid model name")
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")
	ErrInvalidChunking      = errors.New("invalid chunking configuration")
	ErrInvalidTopK          = errors.New("invalid top-k")
	ErrInvalidPostgresHost  = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort  = errors.New("invalid PostgreSQL port")
	ErrInvalidUploadDir     = errors.New("invalid upload directory")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

const (
	// DefaultChunkSize is the maximum chunk length in characters.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the overlap between consecutive chunks.
	DefaultChunkOverlap = 200

	// DefaultTopK is the number of chunks retrieved per question.
	DefaultTopK = 4

	// MaxTopK bounds retrieval so a bad caller cannot flood the prompt.
	MaxTopK = 10
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`             // "gemini" (default) or "ollama"
	ModelName     string `mapstructure:"model_name" json:"model_name"`         // e.g. "gemini-1.5-flash"
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"` // e.g. "text-embedding-004"
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// Retrieval configuration
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	TopK         int `mapstructure:"top_k" json:"top_k"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
	UploadDir        string `mapstructure:"upload_dir" json:"upload_dir"`

	// Serve configuration
	HTTPAddr         string   `mapstructure:"http_addr" json:"http_addr"`
	CORSOrigins      []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy       bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	ChatRatePerMin   int      `mapstructure:"chat_rate_per_min" json:"chat_rate_per_min"`
	UploadRatePerMin int      `mapstructure:"upload_rate_per_min" json:"upload_rate_per_min"`

	// Tracing configuration (optional OTLP exporter)
	TracingEnabled  bool   `mapstructure:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint string `mapstructure:"tracing_endpoint" json:"tracing_endpoint"`
	ServiceName     string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".docchat")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults: temperature is pinned to zero in the pipeline, not configurable.
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-1.5-flash")
	viper.SetDefault("embedder_model", "text-embedding-004")
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Retrieval defaults
	viper.SetDefault("chunk_size", DefaultChunkSize)
	viper.SetDefault("chunk_overlap", DefaultChunkOverlap)
	viper.SetDefault("top_k", DefaultTopK)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "docchat")
	viper.SetDefault("postgres_password", "docchat_dev_password")
	viper.SetDefault("postgres_db_name", "docchat")
	viper.SetDefault("postgres_ssl_mode", "disable")
	viper.SetDefault("upload_dir", "uploads")

	// Serve defaults
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("chat_rate_per_min", 20)
	viper.SetDefault("upload_rate_per_min", 5)

	// Tracing defaults
	viper.SetDefault("tracing_enabled", false)
	viper.SetDefault("tracing_endpoint", "localhost:4318")
	viper.SetDefault("service_name", "docchat")
}

// bindEnvVariables binds environment variable overrides explicitly.
// GEMINI_API_KEY is read directly by the Genkit plugin, not via Viper;
// Validate only checks its presence for the gemini provider.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "DOCCHAT_PROVIDER")
	mustBind("model_name", "DOCCHAT_MODEL_NAME")
	mustBind("embedder_model", "DOCCHAT_EMBEDDER_MODEL")
	mustBind("ollama_host", "DOCCHAT_OLLAMA_HOST")
	mustBind("postgres_host", "DOCCHAT_POSTGRES_HOST")
	mustBind("postgres_port", "DOCCHAT_POSTGRES_PORT")
	mustBind("postgres_user", "DOCCHAT_POSTGRES_USER")
	mustBind("postgres_password", "DOCCHAT_POSTGRES_PASSWORD")
	mustBind("postgres_db_name", "DOCCHAT_POSTGRES_DB")
	mustBind("upload_dir", "DOCCHAT_UPLOAD_DIR")
	mustBind("http_addr", "DOCCHAT_HTTP_ADDR")
	mustBind("cors_origins", "DOCCHAT_CORS_ORIGINS")
	mustBind("trust_proxy", "DOCCHAT_TRUST_PROXY")
	mustBind("chat_rate_per_min", "DOCCHAT_CHAT_RATE_PER_MIN")
	mustBind("upload_rate_per_min", "DOCCHAT_UPLOAD_RATE_PER_MIN")
	mustBind("tracing_enabled", "DOCCHAT_TRACING_ENABLED")
	mustBind("tracing_endpoint", "DOCCHAT_TRACING_ENDPOINT")
	mustBind("service_name", "DOCCHAT_SERVICE_NAME")
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY must be set for provider %q", ErrMissingAPIKey, c.Provider)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host must be set for provider %q", ErrInvalidProvider, c.Provider)
		}
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)", ErrInvalidProvider, c.Provider, ProviderGemini, ProviderOllama)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name must not be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model must not be empty", ErrInvalidEmbedderModel)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.TopK < 1 || c.TopK > MaxTopK {
		return fmt.Errorf("%w: top_k %d must be in [1, %d]", ErrInvalidTopK, c.TopK, MaxTopK)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres_host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("%w: upload_dir must not be empty", ErrInvalidUploadDir)
	}

	return nil
}

// PostgresURL returns the connection string in URL form, as required by
// golang-migrate and pgxpool.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // drop methods to avoid recursion
	masked := alias(c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = maskedValue
	}
	return json.Marshal(masked)
}
