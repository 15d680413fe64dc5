// Package jobs defines the contract with asynchronous inference services and
// the error taxonomy shared by the pipeline and its collaborators.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names a unit of asynchronous work.
type Kind string

// Job kinds
const (
	KindDiarization   Kind = "diarization"
	KindTranscription Kind = "transcription"
	KindTranslation   Kind = "translation"
	KindSentiment     Kind = "sentiment"
	KindEntities      Kind = "entities"
)

// Request describes a job submission. Keys are blob store keys.
type Request struct {
	Kind         Kind   `json:"kind"`
	InputKey     string `json:"input_key"`
	OutputKey    string `json:"output_key"`
	Task         string `json:"task,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Handle identifies a submitted job and where its output will appear.
type Handle struct {
	Kind      Kind   `json:"kind"`
	JobID     string `json:"job_id,omitempty"`
	OutputKey string `json:"output_key"`
}

// Encode serialises the handle for storage in pipeline state.
func (h Handle) Encode() string {
	raw, _ := json.Marshal(h)
	return string(raw)
}

// DecodeHandle parses a handle written by Encode.
func DecodeHandle(s string) (Handle, error) {
	var h Handle
	if s == "" {
		return h, errors.New("empty job handle")
	}
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return h, fmt.Errorf("invalid job handle: %w", err)
	}
	return h, nil
}

// AsyncJobClient submits work to an asynchronous inference service.
// TryFetch returns the job output, or an error wrapping ErrNotReady while the
// output has not materialised.
type AsyncJobClient interface {
	Submit(ctx context.Context, req Request) (Handle, error)
	TryFetch(ctx context.Context, h Handle) ([]byte, error)
}

var (
	// ErrNotReady means a job output does not exist yet. It drives polling and
	// is never surfaced to users.
	ErrNotReady = errors.New("job output not ready")

	// ErrRetryBudgetExceeded means polling gave up on a job.
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")

	// ErrJobFailed means a job ran and failed. Polling it again will not
	// change the outcome.
	ErrJobFailed = errors.New("job failed")

	// ErrUnsupportedMedia means the input is neither audio nor text.
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// TransientError is a failure worth retrying with backoff, such as rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err, or anything it wraps, is transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// TerminalError ends a pipeline execution in the FAIL state.
type TerminalError struct {
	State string
	Err   error
}

func (e *TerminalError) Error() string {
	if e.State == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks err as unrecoverable for the given state.
func Terminal(state string, err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{State: state, Err: err}
}

// RetryableStatus reports whether an HTTP status code signals a transient failure.
func RetryableStatus(code int) bool {
	switch code {
	case 429, 502, 503, 504:
		return true
	}
	return false
}
