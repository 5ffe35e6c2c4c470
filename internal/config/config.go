// Package config loads distill settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLM providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Store kinds.
const (
	StoreSurreal = "surrealdb"
	StoreMemory  = "memory"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Store selects the persistence backend: surrealdb or memory.
	Store string

	// Blob storage
	StorageBackend  string
	StorageLocalDir string
	StorageBadger   string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3PathStyle     bool
	MinIOEndpoint   string
	MinIOUseSSL     bool

	// Extraction service
	ExtractionURL     string
	ExtractionAPIKey  string
	ExtractionTimeout time.Duration

	// Browser snapshot
	SnapshotEnabled bool
	BrowserBin      string
	SnapshotTimeout time.Duration

	// Local conversion tools
	PdftotextBin  string
	TesseractBin  string
	TesseractLang string
	FfprobeBin    string
	TranscribeCmd string
	FetchTimeout  time.Duration

	// Image captions (optional)
	CaptionsEnabled bool
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Chunking
	ChunkMaxSize int
	ChunkMinSize int

	// Executor
	Workers     int
	QueueSize   int
	RunTimeout  time.Duration
	StepTimeout time.Duration

	// Events
	EventBuffer      int
	EventSendTimeout time.Duration

	// Server
	ServerPort int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		// SurrealDB
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "distill"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "content"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		Store: getEnv("DISTILL_STORE", StoreSurreal),

		// Storage
		StorageBackend:  getEnv("DISTILL_STORAGE", "local"),
		StorageLocalDir: getEnv("DISTILL_STORAGE_DIR", "./data/blobs"),
		StorageBadger:   getEnv("DISTILL_BADGER_DIR", ""),
		S3Bucket:        getEnv("DISTILL_S3_BUCKET", ""),
		S3Region:        getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:      getEnv("DISTILL_S3_ENDPOINT", ""),
		S3AccessKey:     getEnv("DISTILL_S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("DISTILL_S3_SECRET_KEY", ""),
		S3PathStyle:     getEnvBool("DISTILL_S3_PATH_STYLE", false),
		MinIOEndpoint:   getEnv("DISTILL_MINIO_ENDPOINT", ""),
		MinIOUseSSL:     getEnvBool("DISTILL_MINIO_SSL", false),

		// Extraction
		ExtractionURL:     getEnv("DISTILL_EXTRACT_URL", "https://r.jina.ai/"),
		ExtractionAPIKey:  getEnv("DISTILL_EXTRACT_API_KEY", ""),
		ExtractionTimeout: getEnvDuration("DISTILL_EXTRACT_TIMEOUT", 30*time.Second),

		// Snapshot
		SnapshotEnabled: getEnvBool("DISTILL_SNAPSHOT", false),
		BrowserBin:      getEnv("ROD_BROWSER_BIN", ""),
		SnapshotTimeout: getEnvDuration("DISTILL_SNAPSHOT_TIMEOUT", 45*time.Second),

		// Conversion tools
		PdftotextBin:  getEnv("DISTILL_PDFTOTEXT", "pdftotext"),
		TesseractBin:  getEnv("DISTILL_TESSERACT", "tesseract"),
		TesseractLang: getEnv("DISTILL_TESSERACT_LANG", "eng"),
		FfprobeBin:    getEnv("DISTILL_FFPROBE", "ffprobe"),
		TranscribeCmd: getEnv("DISTILL_TRANSCRIBE_CMD", ""),
		FetchTimeout:  getEnvDuration("DISTILL_FETCH_TIMEOUT", 30*time.Second),

		// LLM
		CaptionsEnabled: getEnvBool("DISTILL_CAPTIONS", false),
		LLMProvider:     getEnv("DISTILL_LLM_PROVIDER", ProviderOllama),
		LLMModel:        getEnv("DISTILL_LLM_MODEL", "llava"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		// Chunking
		ChunkMaxSize: getEnvInt("DISTILL_CHUNK_MAX", 1000),
		ChunkMinSize: getEnvInt("DISTILL_CHUNK_MIN", 100),

		// Executor
		Workers:     getEnvInt("DISTILL_WORKERS", 4),
		QueueSize:   getEnvInt("DISTILL_QUEUE_SIZE", 256),
		RunTimeout:  getEnvDuration("DISTILL_RUN_TIMEOUT", 10*time.Minute),
		StepTimeout: getEnvDuration("DISTILL_STEP_TIMEOUT", 3*time.Minute),

		// Events
		EventBuffer:      getEnvInt("DISTILL_EVENT_BUFFER", 64),
		EventSendTimeout: getEnvDuration("DISTILL_EVENT_SEND_TIMEOUT", 100*time.Millisecond),

		// Server
		ServerPort: getEnvInt("DISTILL_PORT", 8484),

		// Logging
		LogFile:  getEnv("DISTILL_LOG_FILE", "/tmp/distill.log"),
		LogLevel: parseLogLevel(getEnv("DISTILL_LOG_LEVEL", "INFO")),
	}
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreSurreal, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.ChunkMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk max size must be positive, got %d", c.ChunkMaxSize))
	}
	if c.ChunkMinSize < 0 || c.ChunkMinSize >= c.ChunkMaxSize {
		errs = append(errs, fmt.Errorf("chunk min size %d must be in [0, %d)", c.ChunkMinSize, c.ChunkMaxSize))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event buffer must be positive, got %d", c.EventBuffer))
	}
	if c.RunTimeout <= 0 || c.StepTimeout <= 0 {
		errs = append(errs, errors.New("run and step timeouts must be positive"))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.ServerPort))
	}
	if c.CaptionsEnabled {
		switch c.LLMProvider {
		case ProviderOllama, ProviderOpenAI, ProviderAnthropic:
		default:
			errs = append(errs, fmt.Errorf("unsupported LLM provider %q", c.LLMProvider))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val)
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", val)
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val)
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
