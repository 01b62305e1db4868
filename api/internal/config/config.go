package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port string `validate:"required,numeric"`

	GeminiAPIKey    string  `validate:"required"`
	GeminiModel     string  `validate:"required"`
	GeminiBaseURL   string  `validate:"required,url"`
	GeminiTransport string  `validate:"oneof=rest sdk"`
	GeminiRPS       float64 `validate:"gte=0"`

	AnalysisTimeout time.Duration `validate:"gt=0"`
	ReadinessBudget time.Duration `validate:"gt=0"`
	MaxUploadBytes  int64         `validate:"gt=0"`
	MinPayloadLen   int           `validate:"gte=0"`
	PromptDir       string

	TelegramBotToken string
	WebhookURL       string `validate:"omitempty,url"`

	LogLevel    string `validate:"omitempty,oneof=debug info warn error"`
	LogFilePath string
}

// Load reads .env (if present) and the process environment. The Gemini key is
// read once here and handed to the analysis client; nothing mutates it later.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port: getEnv("PORT", "8000"),

		GeminiAPIKey:    strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:   getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiTransport: strings.ToLower(getEnv("GEMINI_TRANSPORT", "rest")),
		GeminiRPS:       parseFloatOrDefault("GEMINI_RPS", 2),

		AnalysisTimeout: parseDurationOrDefault("ANALYSIS_TIMEOUT", 45*time.Second),
		ReadinessBudget: parseDurationOrDefault("READINESS_BUDGET", 5*time.Second),
		MaxUploadBytes:  parseIntOrDefault("MAX_UPLOAD_BYTES", 10*1024*1024), // 10MB
		MinPayloadLen:   int(parseIntOrDefault("MIN_PAYLOAD_LEN", 1000)),
		PromptDir:       strings.TrimSpace(os.Getenv("PROMPT_DIR")),

		TelegramBotToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		WebhookURL:       strings.TrimSpace(os.Getenv("WEBHOOK_URL")),

		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFilePath: strings.TrimSpace(os.Getenv("LOG_FILE_PATH")),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address for HTTP servers.
func (c *Config) Addr() string {
	return "0.0.0.0:" + strings.TrimSpace(c.Port)
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func parseDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func parseIntOrDefault(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

func parseFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}
