package handlers

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/trigger"
)

// Submission is the outcome of handing an input to the pipeline.
type Submission struct {
	ExecutionID string           `json:"execution_id,omitempty"`
	Key         string           `json:"key"`
	Decision    trigger.Decision `json:"status"`
}

// Submitter accepts new inputs.
type Submitter interface {
	Submit(ctx context.Context, name string, data []byte, contentType string) (*Submission, error)
}

// Enqueuer runs executions.
type Enqueuer interface {
	Enqueue(ex *pipeline.Execution) error
}

// Intake stores inputs under inbox/ and starts an execution for each one
// that changed.
type Intake struct {
	Blobs   storage.BlobStore
	Trigger *trigger.Trigger
	Queue   Enqueuer
}

// InboxKey is the blob key an input named name is stored under.
func InboxKey(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(path.Clean("/" + name)[1:])
	if name == "" || name == "." {
		name = "untitled"
	}
	return "inbox/" + name
}

// Submit implements Submitter.
func (in *Intake) Submit(ctx context.Context, name string, data []byte, contentType string) (*Submission, error) {
	key := InboxKey(name)
	if err := in.Blobs.Put(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}
	ex, decision, err := in.Trigger.Fire(ctx, key)
	if err != nil {
		return nil, err
	}
	sub := &Submission{Key: key, Decision: decision}
	if ex == nil {
		return sub, nil
	}
	sub.ExecutionID = ex.ID
	if err := in.Queue.Enqueue(ex); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", ex.ID, err)
	}
	return sub, nil
}
