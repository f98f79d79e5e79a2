package extract

import (
	"errors"
	"fmt"
)

// ErrEmptyInput means no usable text was supplied. It is raised before any
// model call.
var ErrEmptyInput = errors.New("no text could be extracted from the input")

// UpstreamError wraps a failed model call (timeout, rate limit, transport).
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("language model call failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// UnparsableResponseError means the repaired response still was not a JSON
// array. Only lengths are kept so payloads never reach logs or callers.
type UnparsableResponseError struct {
	ResponseLen int
	CleanedLen  int
	Err         error
}

func (e *UnparsableResponseError) Error() string {
	return fmt.Sprintf("unparsable model response (response_len=%d cleaned_len=%d): %v", e.ResponseLen, e.CleanedLen, e.Err)
}

func (e *UnparsableResponseError) Unwrap() error { return e.Err }
