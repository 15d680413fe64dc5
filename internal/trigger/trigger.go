// Package trigger starts executions for stored objects. An object whose
// last-modified time matches the record of its previous execution is not
// processed again.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// Records is the part of the record store a trigger reads and writes.
type Records interface {
	GetUpload(ctx context.Context, objectKey string) (*storage.UploadRecord, error)
	ClaimUpload(ctx context.Context, rec *storage.UploadRecord) (bool, error)
}

// Decision tells the caller what a trigger did.
type Decision string

// Trigger decisions
const (
	Started    Decision = "started"
	Restarted  Decision = "restarted"
	Suppressed Decision = "suppressed"
)

// Trigger turns object events into executions.
type Trigger struct {
	blobs   storage.BlobStore
	records Records
	now     func() time.Time
	newID   func() string
	log     logrus.FieldLogger
}

// New creates a trigger.
func New(blobs storage.BlobStore, records Records, log logrus.FieldLogger) *Trigger {
	return &Trigger{
		blobs:   blobs,
		records: records,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		log:     log,
	}
}

// Fire records a new execution for key and returns it, or returns nil with
// Suppressed when the object has not changed since its last execution.
func (t *Trigger) Fire(ctx context.Context, key string) (*pipeline.Execution, Decision, error) {
	info, err := t.blobs.Stat(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("stat %s: %w", key, err)
	}
	lastModified := info.LastModified.UTC().Format(time.RFC3339Nano)

	decision := Started
	prev, err := t.records.GetUpload(ctx, key)
	switch {
	case err == nil && prev.LastModified == lastModified:
		t.log.WithFields(logrus.Fields{
			"key":       key,
			"execution": prev.ExecutionID,
		}).Info("Object unchanged since last execution, not restarting")
		return nil, Suppressed, nil
	case err == nil:
		decision = Restarted
	case !errors.Is(err, storage.ErrNotFound):
		return nil, "", fmt.Errorf("read record for %s: %w", key, err)
	}

	now := t.now().UTC()
	ex := pipeline.NewExecution(t.newID(), t.blobs.Bucket(), key, now)
	claimed, err := t.records.ClaimUpload(ctx, &storage.UploadRecord{
		ObjectKey:          key,
		Bucket:             t.blobs.Bucket(),
		LastModified:       lastModified,
		ContentType:        info.ContentType,
		ContentLength:      info.Size,
		ExecutionID:        ex.ID,
		ExecutionStartedAt: now,
		Status:             types.StatusRunning,
	})
	if err != nil {
		return nil, "", err
	}
	if !claimed {
		t.log.WithField("key", key).Info("Object version already claimed by another execution")
		return nil, Suppressed, nil
	}

	t.log.WithFields(logrus.Fields{
		"key":       key,
		"execution": ex.ID,
		"decision":  decision,
	}).Info("Execution started")
	return ex, decision, nil
}
