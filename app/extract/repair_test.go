package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func titles(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Title.String()
	}
	return out
}

func TestRepairValidArrayIsUnchanged(t *testing.T) {
	in := `[{"title":"A","start":"2025-09-01T09:00:00"},{"title":"B","start":"2025-09-02T23:59:00","end":"2025-09-03T00:00:00"}]`

	first, err := Repair(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, titles(first))
	assert.Equal(t, "2025-09-03T00:00:00", first[1].End.String())
	assert.Equal(t, in, cleanResponse(in))
	assert.Equal(t, cleanResponse(in), cleanResponse(cleanResponse(in)))
}

func TestRepairRecoversTruncatedPrefix(t *testing.T) {
	in := `[{"title":"A","start":"2025-09-01T09:00:00"},{"title":"B","start":"2025`

	got, err := Repair(in)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Title.String())
}

func TestRepairStripsDecoration(t *testing.T) {
	cases := map[string]string{
		"fenced":            "```json\n[{\"title\":\"A\",\"start\":\"2025-09-01\"}]\n```",
		"fence no language": "```\n[{\"title\":\"A\",\"start\":\"2025-09-01\"}]\n```",
		"leading prose":     "Here are the events:\n[{\"title\":\"A\",\"start\":\"2025-09-01\"}]",
		"trailing prose":    "[{\"title\":\"A\",\"start\":\"2025-09-01\"}]\nLet me know if you need more.",
		"prose and fence":   "Sure!\n```json\n[{\"title\":\"A\",\"start\":\"2025-09-01\"}]\n```\nDone.",
		"fenced truncated":  "```json\n[{\"title\":\"A\",\"start\":\"2025-09-01\"},{\"title\":\"B\"",
		"surrounding space": "  \n\t[{\"title\":\"A\",\"start\":\"2025-09-01\"}]  \n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Repair(in)
			require.NoError(t, err)
			assert.Equal(t, []string{"A"}, titles(got))
		})
	}
}

func TestRepairToleratesNonStringScalars(t *testing.T) {
	got, err := Repair(`[{"title":"A","start":20250901,"end":null},{"title":true,"start":"2025-09-02"}]`)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "20250901", got[0].Start.String())
	assert.Equal(t, "", got[0].End.String())
	assert.Equal(t, "true", got[1].Title.String())
}

func TestRepairEmptyArray(t *testing.T) {
	got, err := Repair("[]")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepairHardFailure(t *testing.T) {
	cases := []string{
		"I could not find any events in this document.",
		"",
		`{"title":"A","start":"2025-09-01"}`,
		`[{"title":"A" "start":"2025-09-01"}]`,
		"null",
		"```json\nnull\n```",
		`"2025-09-01"`,
	}
	for _, in := range cases {
		_, err := Repair(in)
		var ue *UnparsableResponseError
		require.True(t, errors.As(err, &ue), "input %q", in)
		assert.Equal(t, len(in), ue.ResponseLen)
		assert.NotContains(t, ue.Error(), "2025-09-01")
	}
}
