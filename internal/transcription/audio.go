package transcription

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// LeadingSilenceMs is prepended to converted audio so diarization does not
// clip speech that starts at the very first sample.
const LeadingSilenceMs = 2000

// ConvertToWAV converts an audio file to 16kHz mono WAV with a leading
// silence spacer and returns the converted bytes.
func ConvertToWAV(ctx context.Context, ffmpegPath, workDir string, input []byte, inputExt string) ([]byte, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	id := uuid.New().String()
	inputPath := filepath.Join(workDir, fmt.Sprintf("convert_%s%s", id, inputExt))
	outputPath := filepath.Join(workDir, fmt.Sprintf("converted_%s.wav", id))
	defer os.Remove(inputPath)
	defer os.Remove(outputPath)

	if err := os.WriteFile(inputPath, input, 0644); err != nil {
		return nil, fmt.Errorf("failed to stage audio for conversion: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-i", inputPath,
		"-af", fmt.Sprintf("adelay=%d:all=1", LeadingSilenceMs),
		"-ar", "16000", // 16kHz sample rate
		"-ac", "1", // Mono
		"-c:a", "pcm_s16le", // 16-bit PCM
		"-y", // Overwrite output
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(output))
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted audio: %w", err)
	}
	return data, nil
}

// FFmpegConverter converts inputs to WAV with the ffmpeg binary at Path.
type FFmpegConverter struct {
	Path    string
	WorkDir string
}

// Convert implements the pipeline's audio converter.
func (c FFmpegConverter) Convert(ctx context.Context, input []byte, inputExt string) ([]byte, error) {
	return ConvertToWAV(ctx, c.Path, c.WorkDir, input, inputExt)
}

// DetectContentType resolves the pipeline content type of an input object.
// Sniffed bytes win over the declared type, which wins over the extension.
// An empty result means the input is not supported.
func DetectContentType(name, declared string, head []byte) string {
	if len(head) > 0 {
		if ct := normalizeContentType(http.DetectContentType(head)); ct != "" {
			return ct
		}
	}
	if ct := normalizeContentType(declared); ct != "" {
		return ct
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return types.ContentTypeMP3
	case ".wav":
		return types.ContentTypeWAV
	case ".txt":
		return types.ContentTypeText
	}
	return ""
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case "audio/mp3", "audio/mpeg", "mp3":
		return types.ContentTypeMP3
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave", "wav":
		return types.ContentTypeWAV
	case "text/plain":
		return types.ContentTypeText
	}
	return ""
}

// ValidateInputFormat checks if the file extension is one the pipeline accepts
func ValidateInputFormat(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3", ".wav", ".txt":
		return true
	}
	return false
}

// BaseName returns the file name without directory or extension.
func BaseName(key string) string {
	base := filepath.Base(filepath.FromSlash(key))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
