package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/transcription"
)

// DriveDownloadURL is the public download endpoint for shared Drive files.
const DriveDownloadURL = "https://drive.google.com/uc?export=download&id=%s"

var (
	driveFilePath = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	driveIDParam  = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	driveBareID   = regexp.MustCompile(`^([a-zA-Z0-9_-]{25,40})$`)
)

// GDriveHandler handles Google Drive link processing
type GDriveHandler struct {
	intake      Submitter
	client      *http.Client
	downloadURL string
	maxSizeMB   int
	log         logrus.FieldLogger
}

// NewGDriveHandler creates a new Google Drive handler. downloadURL is a
// format string taking the file ID; empty means DriveDownloadURL.
func NewGDriveHandler(intake Submitter, client *http.Client, downloadURL string, maxSizeMB int, log logrus.FieldLogger) *GDriveHandler {
	if client == nil {
		client = http.DefaultClient
	}
	if downloadURL == "" {
		downloadURL = DriveDownloadURL
	}
	return &GDriveHandler{
		intake:      intake,
		client:      client,
		downloadURL: downloadURL,
		maxSizeMB:   maxSizeMB,
		log:         log,
	}
}

// GDriveRequest represents the request body
type GDriveRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Handle processes Google Drive link requests
func (h *GDriveHandler) Handle(c *fiber.Ctx) error {
	var req GDriveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}

	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}

	fileID := extractGDriveFileID(req.URL)
	if fileID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid Google Drive URL",
			"code":  "ERR_INVALID_URL",
		})
	}

	if req.Name == "" {
		req.Name = "gdrive_file"
	}
	log := h.log.WithField("file_id", fileID)
	log.Info("Downloading from Google Drive")

	httpReq, err := http.NewRequestWithContext(c.UserContext(), http.MethodGet, fmt.Sprintf(h.downloadURL, fileID), nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to download file from Google Drive",
			"code":  "ERR_DOWNLOAD_FAILED",
		})
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		log.WithError(err).Error("Failed to download from Google Drive")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to download file from Google Drive",
			"code":  "ERR_DOWNLOAD_FAILED",
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "File not accessible (may be private or doesn't exist)",
			"code":  "ERR_FILE_NOT_ACCESSIBLE",
		})
	}

	body := io.Reader(resp.Body)
	limit := int64(h.maxSizeMB) * 1024 * 1024
	if h.maxSizeMB > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		log.WithError(err).Error("Failed to read Google Drive download")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to write downloaded file",
			"code":  "ERR_WRITE_FAILED",
		})
	}
	if h.maxSizeMB > 0 && int64(len(data)) > limit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	contentType := resp.Header.Get("Content-Type")
	name := req.Name
	if !transcription.ValidateInputFormat(name) {
		name += extFor(contentType)
	}

	sub, err := h.intake.Submit(c.UserContext(), name, data, contentType)
	if err != nil {
		log.WithError(err).Error("Failed to accept Google Drive file")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save downloaded file",
			"code":  "ERR_SAVE_FAILED",
		})
	}
	return c.JSON(sub)
}

// extractGDriveFileID extracts the file ID from various Google Drive URL formats
func extractGDriveFileID(url string) string {
	// https://drive.google.com/file/d/{ID}/view
	if matches := driveFilePath.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	// https://drive.google.com/open?id={ID}
	if matches := driveIDParam.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	if matches := driveBareID.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	return ""
}

// extFor picks the file extension for a downloaded body. Drive serves most
// audio as application/octet-stream, which is treated as mp3.
func extFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".mp3"
	}
	switch mediaType {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return ".wav"
	case "text/plain":
		return ".txt"
	}
	return ".mp3"
}

func extOf(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}
