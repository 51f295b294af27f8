package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Project state
	DataRoot string // Root directory for per-project state documents and assets
	TempDir  string // Scratch dir for encoder intermediates

	// Redis
	RedisURL string

	// Asset object store (MinIO / S3-compatible)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string // Public base URL for uploaded objects (empty = derive from endpoint)

	// OpenAI (LLM cascade candidates, most to least capable)
	OpenAIKey      string
	LLMModels      []string
	LLMFallback    string // Different-vendor last resort model id (empty = none)
	LLMFallbackURL string // Base URL for the fallback model's OpenAI-compatible API

	// Gemini (image generation cascade candidates)
	GeminiKey   string
	ImageModels []string

	// Veo (primary video candidate)
	VeoEnabled bool
	VeoModel   string

	// xAI (fallback video candidate)
	XAIEnabled bool
	XAIAPIKey  string

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DataRoot:           getEnv("DATA_ROOT", "data/projects"),
		TempDir:            getEnv("TEMP_DIR", os.TempDir()),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		MinioEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:        getEnv("MINIO_BUCKET", "storyboard-assets"),
		MinioUseSSL:        getEnvBool("MINIO_USE_SSL", true),
		MinioPublicURL:     getEnv("MINIO_PUBLIC_URL", ""),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		LLMModels:          getEnvList("LLM_MODELS", "gpt-5,gpt-5-mini,gpt-4.1"),
		LLMFallback:        getEnv("LLM_FALLBACK_MODEL", ""),
		LLMFallbackURL:     getEnv("LLM_FALLBACK_BASE_URL", ""),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		ImageModels:        getEnvList("IMAGE_MODELS", "gemini-3-pro-image-preview,gemini-2.5-flash-image"),
		VeoEnabled:         getEnvBool("VEO_ENABLED", true),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIEnabled:         getEnvBool("XAI_VIDEO_ENABLED", false),
		XAIAPIKey:          getEnv("XAI_API_KEY", ""),
		MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", 5),
	}

	// Validate required fields
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	}

	if cfg.XAIEnabled && cfg.XAIAPIKey == "" {
		return nil, fmt.Errorf("XAI_API_KEY is required when XAI_VIDEO_ENABLED is set")
	}

	if !cfg.VeoEnabled && !cfg.XAIEnabled {
		return nil, fmt.Errorf("at least one video provider must be enabled (VEO_ENABLED or XAI_VIDEO_ENABLED)")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated env var, trimming whitespace and
// dropping empty entries.
func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
