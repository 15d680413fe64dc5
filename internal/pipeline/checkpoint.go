package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// Execution is one run of the workflow over an input object.
type Execution struct {
	ID        string
	ObjectKey string
	State     StateName
	Status    string
	Data      *State
	NextRunAt time.Time
	StartedAt time.Time
	UpdatedAt time.Time
	Error     string
}

// NewExecution creates an execution positioned at the first state.
func NewExecution(id, bucket, key string, now time.Time) *Execution {
	return &Execution{
		ID:        id,
		ObjectKey: key,
		State:     StateDetectType,
		Status:    types.StatusRunning,
		Data: NewState(map[string]any{
			KeyBucket:      bucket,
			KeyKey:         key,
			KeyExecutionID: id,
		}),
		NextRunAt: now,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Checkpointer persists executions so they survive a restart.
type Checkpointer interface {
	Save(ctx context.Context, ex *Execution) error
	Load(ctx context.Context, id string) (*Execution, error)
	Pending(ctx context.Context) ([]*Execution, error)
}

// ExecutionStore is the part of the record store that keeps checkpoints.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, ex *storage.Execution) error
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListPendingExecutions(ctx context.Context, terminal ...string) ([]*storage.Execution, error)
}

// RecordCheckpointer keeps checkpoints in the record store with the state
// bag as a JSON payload.
type RecordCheckpointer struct {
	Store ExecutionStore
}

// Save implements Checkpointer.
func (c RecordCheckpointer) Save(ctx context.Context, ex *Execution) error {
	payload, err := json.Marshal(ex.Data)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", ex.ID, err)
	}
	return c.Store.SaveExecution(ctx, &storage.Execution{
		ID:        ex.ID,
		ObjectKey: ex.ObjectKey,
		State:     string(ex.State),
		Status:    ex.Status,
		Payload:   payload,
		NextRunAt: ex.NextRunAt,
		StartedAt: ex.StartedAt,
		UpdatedAt: ex.UpdatedAt,
		Error:     ex.Error,
	})
}

// Load implements Checkpointer.
func (c RecordCheckpointer) Load(ctx context.Context, id string) (*Execution, error) {
	row, err := c.Store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(row)
}

// Pending implements Checkpointer.
func (c RecordCheckpointer) Pending(ctx context.Context) ([]*Execution, error) {
	rows, err := c.Store.ListPendingExecutions(ctx, types.StatusSucceeded, types.StatusFailed)
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(rows))
	for _, row := range rows {
		ex, err := fromRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func fromRecord(row *storage.Execution) (*Execution, error) {
	data := NewState(nil)
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, data); err != nil {
			return nil, fmt.Errorf("decode state of %s: %w", row.ID, err)
		}
	}
	return &Execution{
		ID:        row.ID,
		ObjectKey: row.ObjectKey,
		State:     StateName(row.State),
		Status:    row.Status,
		Data:      data,
		NextRunAt: row.NextRunAt,
		StartedAt: row.StartedAt,
		UpdatedAt: row.UpdatedAt,
		Error:     row.Error,
	}, nil
}
