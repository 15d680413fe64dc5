package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/inference"
	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/llm"
	"github.com/codebuildervaibhav/call-insights/internal/prompts"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// AudioConverter turns a non-WAV recording into pipeline WAV audio.
type AudioConverter interface {
	Convert(ctx context.Context, input []byte, inputExt string) ([]byte, error)
}

// ChunkPlanner slices audio into per-turn chunks.
type ChunkPlanner interface {
	Plan(ctx context.Context, audio []byte, turns []types.Turn, chunkPrefix, turnIndexKey string) (*transcription.ChunkPlan, error)
}

// UploadRecords is the part of the record store the pipeline updates.
type UploadRecords interface {
	GetUpload(ctx context.Context, objectKey string) (*storage.UploadRecord, error)
	CompleteUpload(ctx context.Context, objectKey, executionID string, out storage.UploadOutcome) error
}

// Publisher copies finished artifacts somewhere people can read them.
type Publisher interface {
	Publish(ctx context.Context, callName string, files []storage.PublishedFile) (string, error)
}

// Clock abstracts time so waits can be driven by tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep implements Clock. It returns early with ctx's error on cancellation.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PollSettings configures one polled job.
type PollSettings struct {
	Interval   time.Duration
	MaxRetries int
}

// RetryPolicy governs retries of states that failed transiently.
type RetryPolicy struct {
	Interval    time.Duration
	Backoff     float64
	MaxAttempts int
}

// Delay returns the wait before retry number attempt, counting from 1.
func (r RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := r.Backoff
	if backoff < 1 {
		backoff = 1
	}
	return time.Duration(float64(r.Interval) * math.Pow(backoff, float64(attempt-1)))
}

// Settings are the tunables of the workflow.
type Settings struct {
	Diarization   PollSettings
	Transcription PollSettings
	Translation   PollSettings
	Sentiment     PollSettings
	Entities      PollSettings
	Retry         RetryPolicy
	// AnalyticsLanguage is the language analytics jobs are run in. Non-English
	// transcripts are translated to it first.
	AnalyticsLanguage string
	PublishAttempts   int
}

// DefaultSettings mirrors the production timings.
func DefaultSettings() Settings {
	return Settings{
		Diarization:       PollSettings{Interval: 30 * time.Second, MaxRetries: 240},
		Transcription:     PollSettings{Interval: 120 * time.Second, MaxRetries: 30},
		Translation:       PollSettings{Interval: 120 * time.Second, MaxRetries: 30},
		Sentiment:         PollSettings{Interval: 60 * time.Second, MaxRetries: 120},
		Entities:          PollSettings{Interval: 30 * time.Second, MaxRetries: 240},
		Retry:             RetryPolicy{Interval: 10 * time.Minute, Backoff: 2, MaxAttempts: 10},
		AnalyticsLanguage: "en",
		PublishAttempts:   3,
	}
}

// Deps are the collaborators of the workflow. Analytics, Language, Generator
// and Publisher are optional. Without Analytics no line sentiment or entities
// are produced.
type Deps struct {
	Blobs         storage.BlobStore
	Records       UploadRecords
	Converter     AudioConverter
	Planner       ChunkPlanner
	Diarization   jobs.AsyncJobClient
	Transcription jobs.AsyncJobClient
	Analytics     jobs.AsyncJobClient
	Language      inference.LanguageDetector
	Generator     llm.TextGenerator
	Prompts       *prompts.Catalog
	Publisher     Publisher
	Clock         Clock
	Log           logrus.FieldLogger
}

// Pipeline holds the collaborators every state step uses.
type Pipeline struct {
	Deps
	settings Settings
}

// New creates a pipeline.
func New(deps Deps, settings Settings) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.Default()
	}
	if settings.AnalyticsLanguage == "" {
		settings.AnalyticsLanguage = "en"
	}
	if settings.PublishAttempts <= 0 {
		settings.PublishAttempts = 1
	}
	return &Pipeline{Deps: deps, settings: settings}
}

// Settings returns the workflow tunables.
func (p *Pipeline) Settings() Settings {
	return p.settings
}
