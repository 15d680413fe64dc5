package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Whisper tasks
const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// WhisperTranscriber wraps Python's OpenAI Whisper for chunk transcription.
// One instance is built at startup and shared by every execution.
type WhisperTranscriber struct {
	modelName string
	pythonCmd string
	workDir   string
	log       logrus.FieldLogger
	mu        sync.Mutex // one model invocation at a time
}

// WhisperResult is the part of Whisper's JSON output the pipeline uses
type WhisperResult struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	NoSpeechPr float64 `json:"no_speech_prob"`
}

// NewWhisperTranscriber creates a new transcriber using Python Whisper
func NewWhisperTranscriber(modelName, pythonCmd, workDir string, log logrus.FieldLogger) *WhisperTranscriber {
	if modelName == "" {
		modelName = "small"
	}
	if pythonCmd == "" {
		pythonCmd = "python"
	}

	log.WithField("model", modelName).Info("Whisper will be called via: python -m whisper")

	return &WhisperTranscriber{
		modelName: modelName,
		pythonCmd: pythonCmd,
		workDir:   workDir,
		log:       log,
	}
}

// Transcribe runs one task over a WAV file. The spoken language is detected
// by Whisper in both tasks.
func (wt *WhisperTranscriber) Transcribe(ctx context.Context, audioPath, task string) (*WhisperResult, error) {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	outDir, err := os.MkdirTemp(wt.workDir, "whisper-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	absAudioPath, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	cmd := exec.CommandContext(ctx, wt.pythonCmd, "-m", "whisper",
		absAudioPath,
		"--model", wt.modelName,
		"--task", task,
		"--output_dir", outDir,
		"--output_format", "json",
		"--fp16", "False", // CPU compatibility
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("whisper %s failed: %w\nOutput: %s", task, err, string(output))
	}

	baseName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	jsonData, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper output: %w", err)
	}

	var result WhisperResult
	if err := json.Unmarshal(jsonData, &result); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %w", err)
	}
	result.Text = strings.TrimSpace(result.Text)

	wt.log.WithFields(logrus.Fields{
		"task":     task,
		"segments": len(result.Segments),
		"language": result.Language,
	}).Debug("Whisper finished")
	return &result, nil
}

// LanguageConfidence estimates how confident Whisper was that the chunk
// contains speech in the detected language.
func (r *WhisperResult) LanguageConfidence() float64 {
	if len(r.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Segments {
		sum += 1 - s.NoSpeechPr
	}
	return sum / float64(len(r.Segments))
}
