package config

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	OpenAIKey      string
	OpenAIEndpoint string
	OpenAIModel    string
	Database       string

	CallTimeout      time.Duration
	MaxRetries       int
	MaxStreamRetries int
	InterCallDelay   time.Duration
}

// ErrMissingCredentials is returned by RequireCredentials when no API key is
// configured but generation was requested.
var ErrMissingCredentials = errors.New("OPENAI_API_KEY is not set")

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIEndpoint:   getEnv("OPENAI_API_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		Database:         getEnv("DATABASE_PATH", "./data/studyforge.db"),
		CallTimeout:      getDuration("AI_CALL_TIMEOUT", 3*time.Minute),
		MaxRetries:       getInt("AI_MAX_RETRIES", 3),
		MaxStreamRetries: getInt("AI_MAX_STREAM_RETRIES", 5),
		InterCallDelay:   getDuration("AI_INTER_CALL_DELAY", 2*time.Second),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		log.Fatalf("failed to ensure database dir %s: %v", cfg.Database, err)
	}

	return cfg
}

// RequireCredentials fails fast when generation is requested without an API key.
func (c Config) RequireCredentials() error {
	if c.OpenAIKey == "" {
		return ErrMissingCredentials
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
