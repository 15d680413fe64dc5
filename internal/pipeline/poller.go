package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
)

// Exhaustion decides what happens when a job never becomes ready.
type Exhaustion int

const (
	// FailOnExhausted ends the execution.
	FailOnExhausted Exhaustion = iota
	// FallbackOnExhausted continues with a degraded empty result.
	FallbackOnExhausted
)

// PollOutcome is the result of one poll attempt.
type PollOutcome int

// Poll outcomes
const (
	PollReady PollOutcome = iota
	PollWaiting
	PollFellBack
)

func (o PollOutcome) String() string {
	switch o {
	case PollReady:
		return "ready"
	case PollWaiting:
		return "waiting"
	case PollFellBack:
		return "fell_back"
	}
	return "unknown"
}

// PollSpec binds a job to the state keys that track it.
type PollSpec struct {
	State       StateName
	Job         jobs.AsyncJobClient
	HandleKey   string
	CompleteKey string
	RetryKey    string
	MaxRetries  int
	OnExhausted Exhaustion
}

// Poll makes one attempt at collecting a job's output. The retry counter is
// incremented on every attempt, so the job is declared exhausted on the
// MaxRetries+1-th not-ready answer.
func Poll(ctx context.Context, st *State, spec PollSpec) (PollOutcome, []byte, error) {
	h, err := jobs.DecodeHandle(st.String(spec.HandleKey))
	if err != nil {
		return PollWaiting, nil, jobs.Terminal(string(spec.State), err)
	}

	attempt := st.Int(spec.RetryKey) + 1
	st.Set(spec.RetryKey, attempt)

	data, err := spec.Job.TryFetch(ctx, h)
	switch {
	case err == nil:
		st.Set(spec.CompleteKey, true)
		return PollReady, data, nil
	case !errors.Is(err, jobs.ErrNotReady):
		return PollWaiting, nil, err
	case attempt <= spec.MaxRetries:
		return PollWaiting, nil, nil
	}

	if spec.OnExhausted == FallbackOnExhausted {
		st.Set(spec.CompleteKey, true)
		return PollFellBack, nil, nil
	}
	return PollWaiting, nil, jobs.Terminal(string(spec.State),
		fmt.Errorf("%s job not ready after %d attempts: %w", h.Kind, attempt, jobs.ErrRetryBudgetExceeded))
}
