package handlers

import (
	"bytes"
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/queue"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
)

// StatusSource reports execution progress.
type StatusSource interface {
	Status(id string) (queue.Status, bool)
	Subscribe(id string) (<-chan queue.Status, func())
}

// StreamHandler handles WebSocket recording uploads and status streams
type StreamHandler struct {
	intake    Submitter
	statuses  StatusSource
	maxSizeMB int
	log       logrus.FieldLogger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(intake Submitter, statuses StatusSource, maxSizeMB int, log logrus.FieldLogger) *StreamHandler {
	return &StreamHandler{
		intake:    intake,
		statuses:  statuses,
		maxSizeMB: maxSizeMB,
		log:       log,
	}
}

// Handle receives a recording over the socket. Text frames set the call name
// until "END" arrives, binary frames carry the audio. The submission is sent
// back followed by every status change of the execution it started.
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	var (
		buffer bytes.Buffer
		name   string
		limit  = h.maxSizeMB * 1024 * 1024
	)
	h.log.Debug("WebSocket connection established")

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			h.log.WithError(err).Warn("WebSocket closed before END")
			return
		}

		if messageType == websocket.TextMessage {
			msg := string(message)
			if msg == "END" {
				break
			}
			if len(msg) > 0 && len(msg) < 200 {
				name = msg
			}
			continue
		}

		if messageType == websocket.BinaryMessage {
			buffer.Write(message)
			if limit > 0 && buffer.Len() > limit {
				h.writeError(c, "Stream too large", "ERR_FILE_TOO_LARGE")
				return
			}
		}
	}

	if buffer.Len() == 0 {
		h.writeError(c, "No audio data received", "ERR_EMPTY_STREAM")
		return
	}
	if name == "" {
		name = "stream_recording"
	}
	if !transcription.ValidateInputFormat(name) {
		name += ".wav"
	}

	sub, err := h.intake.Submit(context.Background(), name, buffer.Bytes(), "")
	if err != nil {
		h.log.WithError(err).Error("Failed to accept stream")
		h.writeError(c, "Failed to save stream", "ERR_SAVE_FAILED")
		return
	}
	h.log.WithFields(logrus.Fields{
		"key":   sub.Key,
		"bytes": buffer.Len(),
	}).Info("Stream saved")

	if err := c.WriteJSON(sub); err != nil || sub.ExecutionID == "" {
		return
	}
	h.follow(c, sub.ExecutionID)
}

// Watch streams status changes of the execution named by the :id parameter
// until it finishes or the client goes away.
func (h *StreamHandler) Watch(c *websocket.Conn) {
	defer c.Close()

	id := c.Params("id")
	if _, ok := h.statuses.Status(id); !ok {
		h.writeError(c, "Execution not found", "ERR_NOT_FOUND")
		return
	}
	h.follow(c, id)
}

func (h *StreamHandler) follow(c *websocket.Conn, id string) {
	ch, cancel := h.statuses.Subscribe(id)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"))
				return
			}
			if err := c.WriteJSON(s); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *StreamHandler) writeError(c *websocket.Conn, msg, code string) {
	c.WriteJSON(fiber.Map{"error": msg, "code": code})
}
