package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/pkg/models"
)

// Config holds all configuration for the dxtr orchestrator.
type Config struct {
	Port       int
	Version    string
	LogLevel   string
	AgentsFile string
	Backend    BackendConfig
	Sessions   SessionsConfig
	Turn       TurnConfig
	Executor   ExecutorConfig
	Telemetry  TelemetryConfig
	Auth       AuthConfig
	Toolbox    ToolboxConfig
}

type BackendConfig struct {
	Providers      []models.ModelProvider
	Model          string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type SessionsConfig struct {
	Driver  string // "memory", "sqlite", "postgres"
	DSN     string
	DataDir string // memory driver snapshot directory; empty disables persistence
}

type TurnConfig struct {
	QueueMode         string // "queue" or "reject"
	MaxQueueDepth     int
	MaxHops           int
	ContextEntries    int
	DelegationRetries int
	RetryBackoff      time.Duration
	Classifier        string // "lexicon" or "model"
}

type ExecutorConfig struct {
	DefaultMaxSteps   int
	DefaultTimeout    time.Duration
	MaxConcurrentRuns int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// Keys accepted on admin routes (session reset).
	AdminKeys []string
}

type ToolboxConfig struct {
	PapersDir          string
	PapersServiceURL   string
	ResearchServiceURL string
	ResearchToken      string
	ProfileDir         string
	ReadRoots          []string
	FetchTimeout       time.Duration
	MaxFetchBytes      int
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env")
	}

	home, _ := os.UserHomeDir()
	dataRoot := envStr("DXTR_HOME", home+"/.dxtr")

	return &Config{
		Port:       envInt("DXTR_PORT", 8000),
		Version:    envStr("DXTR_VERSION", "0.1.0"),
		LogLevel:   envStr("DXTR_LOG_LEVEL", "info"),
		AgentsFile: envStr("DXTR_AGENTS_FILE", ""),
		Backend: BackendConfig{
			Providers: []models.ModelProvider{{
				Name:     envStr("DXTR_PROVIDER_NAME", "litellm"),
				Kind:     envStr("DXTR_PROVIDER_KIND", "openai"),
				Endpoint: envStr("DXTR_PROVIDER_URL", "http://localhost:4000/v1"),
				Model:    envStr("DXTR_MODEL", "master"),
				APIKey:   envStr("DXTR_PROVIDER_API_KEY", ""),
			}},
			Model:          envStr("DXTR_MODEL", "master"),
			Temperature:    envFloat("DXTR_TEMPERATURE", 0.3),
			MaxTokens:      envInt("DXTR_MAX_TOKENS", 2000),
			Timeout:        envDuration("DXTR_BACKEND_TIMEOUT", 120*time.Second),
			MaxRetries:     envInt("DXTR_BACKEND_RETRIES", 3),
			InitialBackoff: envDuration("DXTR_BACKEND_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     envDuration("DXTR_BACKEND_MAX_BACKOFF", 5*time.Second),
		},
		Sessions: SessionsConfig{
			Driver:  envStr("DXTR_SESSION_DRIVER", "memory"),
			DSN:     envStr("DXTR_SESSION_DSN", ""),
			DataDir: envStr("DXTR_DATA_DIR", dataRoot),
		},
		Turn: TurnConfig{
			QueueMode:         envStr("DXTR_TURN_MODE", "queue"),
			MaxQueueDepth:     envInt("DXTR_TURN_QUEUE_DEPTH", 8),
			MaxHops:           envInt("DXTR_TURN_MAX_HOPS", 4),
			ContextEntries:    envInt("DXTR_TASK_CONTEXT_ENTRIES", 6),
			DelegationRetries: envInt("DXTR_DELEGATION_RETRIES", 2),
			RetryBackoff:      envDuration("DXTR_DELEGATION_BACKOFF", time.Second),
			Classifier:        envStr("DXTR_CLASSIFIER", "lexicon"),
		},
		Executor: ExecutorConfig{
			DefaultMaxSteps:   envInt("DXTR_SPECIALIST_MAX_STEPS", 5),
			DefaultTimeout:    envDuration("DXTR_SPECIALIST_TIMEOUT", 3*time.Minute),
			MaxConcurrentRuns: envInt("DXTR_SPECIALIST_CONCURRENCY", 8),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "dxtr"),
		},
		Auth: AuthConfig{
			AdminKeys: envList("DXTR_ADMIN_KEYS"),
		},
		Toolbox: ToolboxConfig{
			PapersDir:          envStr("DXTR_PAPERS_DIR", dataRoot+"/hf_papers"),
			PapersServiceURL:   envStr("DXTR_PAPERS_SERVICE_URL", "https://huggingface.co/api/daily_papers"),
			ResearchServiceURL: envStr("DXTR_RESEARCH_SERVICE_URL", "http://localhost:8002"),
			ResearchToken:      envStr("DXTR_RESEARCH_TOKEN", ""),
			ProfileDir:         envStr("DXTR_PROFILE_DIR", dataRoot),
			ReadRoots:          envList("DXTR_READ_ROOTS"),
			FetchTimeout:       envDuration("DXTR_FETCH_TIMEOUT", 30*time.Second),
			MaxFetchBytes:      envInt("DXTR_FETCH_MAX_BYTES", 1<<20),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
