package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
	"github.com/codebuildervaibhav/call-insights/internal/queue"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RecordReader reads the per-input records.
type RecordReader interface {
	GetUpload(ctx context.Context, objectKey string) (*storage.UploadRecord, error)
	ListUploads(ctx context.Context, limit int) ([]*storage.UploadRecord, error)
}

// CallsHandler serves processed calls and execution status.
type CallsHandler struct {
	records  RecordReader
	blobs    storage.BlobStore
	statuses StatusSource
	cp       pipeline.Checkpointer
	log      logrus.FieldLogger
}

// NewCallsHandler creates a new calls handler
func NewCallsHandler(records RecordReader, blobs storage.BlobStore, statuses StatusSource, cp pipeline.Checkpointer, log logrus.FieldLogger) *CallsHandler {
	return &CallsHandler{
		records:  records,
		blobs:    blobs,
		statuses: statuses,
		cp:       cp,
		log:      log,
	}
}

// List returns the most recent records. ?limit= caps the count.
func (h *CallsHandler) List(c *fiber.Ctx) error {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
				"code":  "ERR_INVALID_LIMIT",
			})
		}
		limit = min(n, maxListLimit)
	}

	uploads, err := h.records.ListUploads(c.UserContext(), limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list calls")
		return internalError(c)
	}
	if uploads == nil {
		uploads = []*storage.UploadRecord{}
	}
	return c.JSON(fiber.Map{"calls": uploads})
}

// Get returns the record of one input key together with its artifact once
// the call has been processed.
func (h *CallsHandler) Get(c *fiber.Ctx) error {
	key := c.Params("*")
	rec, err := h.records.GetUpload(c.UserContext(), key)
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Call not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		h.log.WithError(err).WithField("key", key).Error("Failed to load call")
		return internalError(c)
	}

	resp := fiber.Map{"call": rec}
	if rec.OutputKey != "" {
		data, err := h.blobs.Get(c.UserContext(), rec.OutputKey)
		switch {
		case err == nil:
			var artifact types.AnnotatedTranscript
			if err := json.Unmarshal(data, &artifact); err != nil {
				h.log.WithError(err).WithField("key", rec.OutputKey).Warn("Unreadable artifact")
				break
			}
			resp["artifact"] = artifact
		case errors.Is(err, storage.ErrNotFound):
		default:
			h.log.WithError(err).WithField("key", rec.OutputKey).Error("Failed to load artifact")
			return internalError(c)
		}
	}
	return c.JSON(resp)
}

// Execution returns the status of one execution, falling back to its
// checkpoint when it is not tracked in memory.
func (h *CallsHandler) Execution(c *fiber.Ctx) error {
	id := c.Params("id")
	if s, ok := h.statuses.Status(id); ok {
		return c.JSON(s)
	}
	if h.cp != nil {
		ex, err := h.cp.Load(c.UserContext(), id)
		if err == nil {
			return c.JSON(queue.StatusOf(ex))
		}
		if !errors.Is(err, storage.ErrNotFound) {
			h.log.WithError(err).WithField("execution", id).Error("Failed to load execution")
			return internalError(c)
		}
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "Execution not found",
		"code":  "ERR_NOT_FOUND",
	})
}

func internalError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal error",
		"code":  "ERR_INTERNAL",
	})
}
