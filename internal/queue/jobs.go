package queue

import (
	"time"

	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
)

// Status is a point-in-time view of an execution
type Status struct {
	ExecutionID string    `json:"execution_id"`
	ObjectKey   string    `json:"object_key"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	NextRunAt   time.Time `json:"next_run_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the execution has finished
func (s Status) Terminal() bool {
	return pipeline.StateName(s.State).Terminal()
}

// StatusOf summarises an execution
func StatusOf(ex *pipeline.Execution) Status {
	return Status{
		ExecutionID: ex.ID,
		ObjectKey:   ex.ObjectKey,
		State:       string(ex.State),
		Status:      ex.Status,
		Error:       ex.Error,
		NextRunAt:   ex.NextRunAt,
		UpdatedAt:   ex.UpdatedAt,
	}
}
