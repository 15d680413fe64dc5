package handlers

import (
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/transcription"
)

// UploadHandler handles file uploads
type UploadHandler struct {
	intake    Submitter
	maxSizeMB int
	log       logrus.FieldLogger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(intake Submitter, maxSizeMB int, log logrus.FieldLogger) *UploadHandler {
	return &UploadHandler{
		intake:    intake,
		maxSizeMB: maxSizeMB,
		log:       log,
	}
}

// Handle processes the upload request
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if h.maxSizeMB > 0 && file.Size > maxSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	if !transcription.ValidateInputFormat(file.Filename) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unsupported format, expected .mp3, .wav or .txt",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	// the stored name keeps the extension of the uploaded file
	name := file.Filename
	if custom := c.FormValue("name"); custom != "" {
		name = custom + extOf(file.Filename)
	}

	f, err := file.Open()
	if err != nil {
		return h.saveFailed(c, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return h.saveFailed(c, err)
	}

	sub, err := h.intake.Submit(c.UserContext(), name, data, file.Header.Get("Content-Type"))
	if err != nil {
		return h.saveFailed(c, err)
	}
	return c.JSON(sub)
}

func (h *UploadHandler) saveFailed(c *fiber.Ctx, err error) error {
	h.log.WithError(err).Error("Failed to accept upload")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to save file",
		"code":  "ERR_SAVE_FAILED",
	})
}
