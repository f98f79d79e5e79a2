package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildPromptYearRules(t *testing.T) {
	p := BuildPrompt("Week 1: intro", time.Date(2025, time.September, 15, 0, 0, 0, 0, time.UTC))

	assert.Contains(t, p, "If year not specified, use 2025")
	assert.Contains(t, p, "before current month (September), assume next year (2026)")
	assert.Contains(t, p, "use 23:59:00 if no specific time given")
	assert.Contains(t, p, "use 09:00:00 if no specific time given")
	assert.True(t, strings.HasSuffix(p, "Syllabus Text:\nWeek 1: intro"))
}

func TestTruncateInput(t *testing.T) {
	out, cut := truncateInput("short", 50)
	assert.False(t, cut)
	assert.Equal(t, "short", out)

	out, cut = truncateInput("exactly10!", 10)
	assert.False(t, cut)
	assert.Equal(t, "exactly10!", out)

	out, cut = truncateInput("abcdefghijk", 10)
	assert.True(t, cut)
	assert.Equal(t, "abcdefghij"+truncationMarker, out)

	out, cut = truncateInput("日本語のテキスト", 3)
	assert.True(t, cut)
	assert.Equal(t, "日本語"+truncationMarker, out)
}

func TestParseTimestampLayouts(t *testing.T) {
	loc := time.UTC
	for _, raw := range []string{
		"2025-09-01T09:00:00",
		"2025-09-01T09:00",
		"2025-09-01 09:00:00",
		"2025-09-01T09:00:00Z",
		"2025-09-01T09:00:00.000Z",
		"2025-09-01T04:00:00-05:00",
	} {
		got, err := parseTimestamp(raw, loc)
		if assert.NoError(t, err, raw) {
			assert.Equal(t, time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC), got.UTC(), raw)
		}
	}

	got, err := parseTimestamp("2025-09-01", loc)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC), got)

	for _, raw := range []string{"", "TBD", "Sept 1", "2025-13-01T09:00:00", "20250901"} {
		_, err := parseTimestamp(raw, loc)
		assert.Error(t, err, raw)
	}
}
