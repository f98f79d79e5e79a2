package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"LLM_MAX_TOKENS", "EXTRACT_MAX_CHARS", "RATE_LIMIT_PER_MINUTE", "UPLOAD_MAX_BYTES", "EXTRACT_TIMEZONE", "PORT", "ADMIN_SUBJECTS"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 50000, cfg.Extraction.MaxChars)
	assert.Equal(t, int64(10<<20), cfg.Extraction.UploadMaxBytes)
	assert.Equal(t, 10, cfg.RateLimit.PerMinute)
	assert.Equal(t, time.UTC, cfg.Extraction.Location)
	assert.Empty(t, cfg.Auth.AdminSubjects)
}

func TestLoadConfigRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("EXTRACT_MAX_CHARS", "lots")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXTRACT_MAX_CHARS")
}

func TestLoadConfigParsesLists(t *testing.T) {
	t.Setenv("ADMIN_SUBJECTS", " user_a, ,user_b ")
	t.Setenv("EXTRACT_TIMEZONE", "America/New_York")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"user_a", "user_b"}, cfg.Auth.AdminSubjects)
	assert.Equal(t, "America/New_York", cfg.Extraction.Location.String())
}

func TestStripeAllowedPrice(t *testing.T) {
	c := StripeConfig{MonthlyPriceID: "price_m", YearlyPriceID: "price_y"}
	assert.True(t, c.AllowedPrice("price_m"))
	assert.True(t, c.AllowedPrice("price_y"))
	assert.False(t, c.AllowedPrice("price_other"))
	assert.False(t, c.AllowedPrice(""))
}

func TestPostgresDSN(t *testing.T) {
	c := PostgresConfig{Username: "u", Password: "p", URL: "db", Port: "5432", Database: "syllab", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/syllab?sslmode=disable", c.DSN())
	assert.True(t, c.Enabled())
	assert.False(t, PostgresConfig{}.Enabled())
}
