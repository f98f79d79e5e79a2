package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Env        string
	Port       string
	Logs       LogConfig
	DB         PostgresConfig
	Auth       AuthConfig
	Stripe     StripeConfig
	Identity   IdentityConfig
	LLM        LLMConfig
	Extraction ExtractionConfig
	RateLimit  RateLimitConfig
	Queue      QueueConfig
}

type LogConfig struct {
	Style string
	Level string
}

type PostgresConfig struct {
	Username string
	Password string
	URL      string
	Port     string
	Database string
	SSLMode  string
}

// Enabled reports whether a database host was configured.
func (c PostgresConfig) Enabled() bool {
	return c.URL != ""
}

// DSN renders a lib/pq connection string.
func (c PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.Username, c.Password, c.URL, c.Port, c.Database)
	if c.SSLMode != "" {
		dsn += "?sslmode=" + c.SSLMode
	}
	return dsn
}

type AuthConfig struct {
	Issuer        string
	Audience      string
	JWKSURL       string
	EmailClaim    string
	RoleClaim     string
	AdminSubjects []string
	Disabled      bool
}

type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	MonthlyPriceID string
	YearlyPriceID  string
	FrontendURL    string
}

// AllowedPrice reports whether priceID is one of the configured plans.
func (c StripeConfig) AllowedPrice(priceID string) bool {
	return priceID != "" && (priceID == c.MonthlyPriceID || priceID == c.YearlyPriceID)
}

type IdentityConfig struct {
	WebhookSecret string
}

type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type ExtractionConfig struct {
	MaxChars       int
	Location       *time.Location
	UploadMaxBytes int64
}

type RateLimitConfig struct {
	PerMinute int
}

type QueueConfig struct {
	DeadLetterURL string
}

const (
	defaultPort           = "8080"
	defaultModel          = "claude-3-5-sonnet-20241022"
	defaultMaxTokens      = 8192
	defaultLLMTimeout     = 120
	defaultMaxChars       = 50000
	defaultUploadMaxBytes = 10 << 20
	defaultRatePerMinute  = 10
	defaultEmailClaim     = "email"
	defaultRoleClaim      = "role"
)

func LoadConfig() (*Config, error) {
	maxTokens, err := intEnv("LLM_MAX_TOKENS", defaultMaxTokens)
	if err != nil {
		return nil, err
	}
	timeoutSeconds, err := intEnv("LLM_TIMEOUT_SECONDS", defaultLLMTimeout)
	if err != nil {
		return nil, err
	}
	maxChars, err := intEnv("EXTRACT_MAX_CHARS", defaultMaxChars)
	if err != nil {
		return nil, err
	}
	uploadMax, err := intEnv("UPLOAD_MAX_BYTES", defaultUploadMaxBytes)
	if err != nil {
		return nil, err
	}
	perMinute, err := intEnv("RATE_LIMIT_PER_MINUTE", defaultRatePerMinute)
	if err != nil {
		return nil, err
	}
	authDisabled, err := boolEnv("AUTH_DISABLED", false)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if name := os.Getenv("EXTRACT_TIMEZONE"); name != "" {
		loc, err = time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("EXTRACT_TIMEZONE: %w", err)
		}
	}

	cfg := &Config{
		Env:  os.Getenv("ENV"),
		Port: stringEnv("PORT", defaultPort),
		Logs: LogConfig{
			Style: os.Getenv("LOG_STYLE"),
			Level: os.Getenv("LOG_LEVEL"),
		},
		DB: PostgresConfig{
			Username: os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PWD"),
			URL:      os.Getenv("POSTGRES_URL"),
			Port:     stringEnv("POSTGRES_PORT", "5432"),
			Database: stringEnv("POSTGRES_DB", "postgres"),
			SSLMode:  os.Getenv("POSTGRES_SSLMODE"),
		},
		Auth: AuthConfig{
			Issuer:        os.Getenv("AUTH_ISSUER"),
			Audience:      os.Getenv("AUTH_AUDIENCE"),
			JWKSURL:       os.Getenv("AUTH_JWKS_URL"),
			EmailClaim:    stringEnv("AUTH_EMAIL_CLAIM", defaultEmailClaim),
			RoleClaim:     stringEnv("AUTH_ROLE_CLAIM", defaultRoleClaim),
			AdminSubjects: listEnv("ADMIN_SUBJECTS"),
			Disabled:      authDisabled,
		},
		Stripe: StripeConfig{
			SecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
			MonthlyPriceID: os.Getenv("STRIPE_MONTHLY_PRICE_ID"),
			YearlyPriceID:  os.Getenv("STRIPE_YEARLY_PRICE_ID"),
			FrontendURL:    strings.TrimRight(stringEnv("FRONTEND_URL", "http://localhost:3000"), "/"),
		},
		Identity: IdentityConfig{
			WebhookSecret: os.Getenv("IDENTITY_WEBHOOK_SECRET"),
		},
		LLM: LLMConfig{
			APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
			Model:     stringEnv("LLM_MODEL", defaultModel),
			MaxTokens: maxTokens,
			Timeout:   time.Duration(timeoutSeconds) * time.Second,
		},
		Extraction: ExtractionConfig{
			MaxChars:       maxChars,
			Location:       loc,
			UploadMaxBytes: int64(uploadMax),
		},
		RateLimit: RateLimitConfig{
			PerMinute: perMinute,
		},
		Queue: QueueConfig{
			DeadLetterURL: os.Getenv("DEADLETTER_QUEUE_URL"),
		},
	}

	return cfg, nil
}

func stringEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("converting %s to int: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return v, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}

func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
