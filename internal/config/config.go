package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort               = "8080"
	defaultSessionCookieName  = "asym_session"
	defaultSessionTTLHours    = 168
	defaultAccessTokenTTLMins = 15
	defaultModel              = "openai/gpt-4o-mini"
	defaultOpenRouterBaseURL  = "https://openrouter.ai/api/v1"
	defaultFrontendOrigin     = "http://localhost:5173"
	defaultMaxToolSteps       = 5
	defaultRateLimitRequests  = 10
	defaultRateLimitWindowMS  = 60_000
	defaultRateLimitSweepSecs = 60
	defaultGeocodingURL       = "https://geocoding-api.open-meteo.com/v1"
	defaultForecastURL        = "https://api.open-meteo.com/v1"
	defaultMotorsportBaseURL  = "https://api.jolpi.ca/ergast/f1"
	defaultStockBaseURL       = "https://www.alphavantage.co"
	defaultToolTimeoutSecs    = 10
)

type Config struct {
	Port                     string
	Environment              string
	FrontendOrigin           string
	AllowedOrigins           []string
	AuthRequired             bool
	CookieSecure             bool
	SessionCookieName        string
	SessionTTL               time.Duration
	GoogleClientID           string
	InsecureSkipGoogleVerify bool
	AccessTokenSecret        string
	AccessTokenTTL           time.Duration
	TursoDatabaseURL         string
	TursoAuthToken           string

	OpenRouterAPIKey       string
	OpenRouterBaseURL      string
	OpenRouterDefaultModel string
	MaxToolSteps           int

	RateLimitMaxRequests int
	RateLimitWindow      time.Duration
	RateLimitSweep       time.Duration

	WeatherGeocodingURL string
	WeatherForecastURL  string
	MotorsportBaseURL   string
	StockBaseURL        string
	StockAPIKey         string
	ToolHTTPTimeout     time.Duration

	LogLevel string
	LogDir   string
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first; variables already set take precedence.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		AuthRequired:             boolOrDefault("AUTH_REQUIRED", true),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		AccessTokenSecret:        strings.TrimSpace(os.Getenv("ACCESS_TOKEN_SECRET")),
		TursoDatabaseURL:         strings.TrimSpace(os.Getenv("TURSO_DATABASE_URL")),
		TursoAuthToken:           strings.TrimSpace(os.Getenv("TURSO_AUTH_TOKEN")),
		OpenRouterAPIKey:         strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		OpenRouterBaseURL:        envOrDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL),
		OpenRouterDefaultModel:   envOrDefault("OPENROUTER_DEFAULT_MODEL", defaultModel),
		MaxToolSteps:             intOrDefault("CHAT_MAX_TOOL_STEPS", defaultMaxToolSteps),
		RateLimitMaxRequests:     intOrDefault("CHAT_RATE_LIMIT_MAX_REQUESTS", defaultRateLimitRequests),
		WeatherGeocodingURL:      envOrDefault("WEATHER_GEOCODING_URL", defaultGeocodingURL),
		WeatherForecastURL:       envOrDefault("WEATHER_FORECAST_URL", defaultForecastURL),
		MotorsportBaseURL:        envOrDefault("MOTORSPORT_BASE_URL", defaultMotorsportBaseURL),
		StockBaseURL:             envOrDefault("STOCK_BASE_URL", defaultStockBaseURL),
		StockAPIKey:              strings.TrimSpace(os.Getenv("STOCK_API_KEY")),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		LogDir:                   strings.TrimSpace(os.Getenv("LOG_DIR")),
	}

	if cfg.Environment == "production" {
		cfg.CookieSecure = true
	}

	sessionTTLHours := intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	cfg.SessionTTL = time.Duration(sessionTTLHours) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	accessTTLMinutes := intOrDefault("ACCESS_TOKEN_TTL_MINUTES", defaultAccessTokenTTLMins)
	cfg.AccessTokenTTL = time.Duration(accessTTLMinutes) * time.Minute
	if cfg.AccessTokenTTL <= 0 {
		return Config{}, errors.New("ACCESS_TOKEN_TTL_MINUTES must be > 0")
	}

	if cfg.RateLimitMaxRequests <= 0 {
		return Config{}, errors.New("CHAT_RATE_LIMIT_MAX_REQUESTS must be > 0")
	}
	windowMS := intOrDefault("CHAT_RATE_LIMIT_WINDOW_MS", defaultRateLimitWindowMS)
	if windowMS <= 0 {
		return Config{}, errors.New("CHAT_RATE_LIMIT_WINDOW_MS must be > 0")
	}
	cfg.RateLimitWindow = time.Duration(windowMS) * time.Millisecond

	sweepSeconds := intOrDefault("CHAT_RATE_LIMIT_SWEEP_SECONDS", defaultRateLimitSweepSecs)
	if sweepSeconds <= 0 {
		return Config{}, errors.New("CHAT_RATE_LIMIT_SWEEP_SECONDS must be > 0")
	}
	cfg.RateLimitSweep = time.Duration(sweepSeconds) * time.Second

	if cfg.MaxToolSteps <= 0 {
		return Config{}, errors.New("CHAT_MAX_TOOL_STEPS must be > 0")
	}

	toolTimeout := intOrDefault("TOOL_HTTP_TIMEOUT_SECONDS", defaultToolTimeoutSecs)
	if toolTimeout <= 0 {
		return Config{}, errors.New("TOOL_HTTP_TIMEOUT_SECONDS must be > 0")
	}
	cfg.ToolHTTPTimeout = time.Duration(toolTimeout) * time.Second

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:4173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.TursoDatabaseURL == "" {
		return Config{}, errors.New("TURSO_DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.TursoDatabaseURL, "libsql://") && cfg.TursoAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}
	if cfg.AuthRequired && !cfg.InsecureSkipGoogleVerify && cfg.GoogleClientID == "" {
		return Config{}, errors.New("GOOGLE_CLIENT_ID is required unless AUTH_INSECURE_SKIP_GOOGLE_VERIFY=true")
	}
	if cfg.AuthRequired && cfg.AccessTokenSecret == "" {
		return Config{}, errors.New("ACCESS_TOKEN_SECRET is required when AUTH_REQUIRED=true")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
