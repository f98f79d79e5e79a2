package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var errNotArray = errors.New("response is not a JSON array")

// Candidate is an unvalidated event as returned by the model.
type Candidate struct {
	Title       looseString `json:"title"`
	Start       looseString `json:"start"`
	End         looseString `json:"end,omitempty"`
	Description looseString `json:"description,omitempty"`
	Location    looseString `json:"location,omitempty"`
}

// looseString accepts any JSON scalar. Strings decode normally; numbers and
// booleans keep their literal text; null decodes to "". One odd field then
// fails date validation for its event instead of failing the whole array.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	default:
		*s = looseString(b)
		return nil
	}
}

func (s looseString) String() string { return string(s) }

// Repair recovers an ordered list of candidates from a model response that
// may be wrapped in prose or code fences, or cut off mid-object.
func Repair(response string) ([]Candidate, error) {
	cleaned := cleanResponse(response)

	unparsable := func(err error) error {
		return &UnparsableResponseError{
			ResponseLen: len(response),
			CleanedLen:  len(cleaned),
			Err:         err,
		}
	}
	if !strings.HasPrefix(cleaned, "[") {
		return nil, unparsable(errNotArray)
	}

	var candidates []Candidate
	if err := json.Unmarshal([]byte(cleaned), &candidates); err != nil {
		return nil, unparsable(err)
	}
	if candidates == nil {
		return nil, unparsable(errNotArray)
	}
	return candidates, nil
}

func cleanResponse(response string) string {
	text := strings.TrimSpace(response)
	text = stripFences(text)
	text = narrowToArray(text)

	text = stripFences(text)
	text = narrowToArray(text)

	if !strings.HasSuffix(text, "]") {
		// Cut off by the length limit: keep every complete object.
		if idx := strings.LastIndex(text, "}"); idx != -1 {
			text = text[:idx+1] + "\n]"
		}
	}
	return text
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.Index(text, "\n"); nl != -1 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	if strings.HasSuffix(text, "```") {
		text = strings.TrimSpace(strings.TrimSuffix(text, "```"))
	}
	return text
}

func narrowToArray(text string) string {
	if end := strings.LastIndex(text, "]"); end != -1 && end < len(text)-1 {
		text = text[:end+1]
	}
	if start := strings.Index(text, "["); start > 0 {
		text = text[start:]
	}
	return strings.TrimSpace(text)
}
