package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/cleanup"
	"github.com/codebuildervaibhav/call-insights/internal/config"
	"github.com/codebuildervaibhav/call-insights/internal/inference"
	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/llm"
	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
	"github.com/codebuildervaibhav/call-insights/internal/prompts"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
	"github.com/codebuildervaibhav/call-insights/internal/trigger"
)

// app holds the long-lived components shared by every command.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	logs    *LogBuffer
	blobs   storage.BlobStore
	records *storage.RecordStore
	cp      pipeline.RecordCheckpointer
	runner  *pipeline.Runner
	trigger *trigger.Trigger
	local   *inference.LocalExecutor
}

// newLogger builds the process logger. Every line is also kept in logs.
func newLogger(cfg *config.Config, logs *LogBuffer) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	switch cfg.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(io.MultiWriter(os.Stdout, logs))
	return log, nil
}

// loadApp reads the configuration and wires the workflow. ctx bounds the
// lifetime of the local inference executor.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logs := NewLogBuffer()
	log, err := newLogger(cfg, logs)
	if err != nil {
		return nil, err
	}

	if err := cleanup.EnsureTempDirExists(cfg.Storage.TempDir); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Database), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	a := &app{cfg: cfg, log: log, logs: logs}
	if a.blobs, err = openBlobStore(cfg); err != nil {
		return nil, err
	}
	if a.records, err = storage.NewRecordStore(cfg.Storage.Database); err != nil {
		a.blobs.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	catalog, err := prompts.Load(cfg.Prompts.File)
	if err != nil {
		a.Close()
		return nil, err
	}
	gen, err := newGenerator(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if gen == nil {
		log.Warn("No LLM provider configured - call summaries will be empty")
	}

	deps := pipeline.Deps{
		Blobs:     a.blobs,
		Records:   a.records,
		Converter: transcription.FFmpegConverter{Path: cfg.Inference.FFmpegPath, WorkDir: cfg.Storage.TempDir},
		Planner:   transcription.NewChunkPlanner(a.blobs, cfg.Storage.TempDir, log),
		Generator: gen,
		Prompts:   catalog,
		Publisher: newPublisher(ctx, cfg, log),
		Clock:     pipeline.RealClock{},
		Log:       log,
	}
	a.wireInference(ctx, &deps, gen, catalog)

	p := pipeline.New(deps, cfg.PipelineSettings())
	a.cp = pipeline.RecordCheckpointer{Store: a.records}
	a.runner = pipeline.NewRunner(p, nil, a.cp)
	a.trigger = trigger.New(a.blobs, a.records, log)
	return a, nil
}

func openBlobStore(cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.Storage.BlobBackend {
	case "badger":
		return storage.NewBadgerStore(cfg.Storage.BlobDir, cfg.Storage.Bucket)
	default:
		return storage.NewLocalStorage(cfg.Storage.BlobDir, cfg.Storage.Bucket)
	}
}

// newGenerator returns nil when no provider is configured.
func newGenerator(cfg *config.Config) (llm.TextGenerator, error) {
	if cfg.LLM.Provider == "" && cfg.LLM.APIKey == "" {
		return nil, nil
	}
	opts := []llm.Option{llm.WithMaxTokens(cfg.LLM.MaxTokens), llm.WithTimeout(cfg.LLM.Timeout)}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(cfg.LLM.APIKey))
	}
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.LLM.BaseURL))
	}
	return llm.New(cfg.LLM.Provider, cfg.LLM.Model, opts...)
}

// newPublisher connects to Google Drive when credentials are present.
func newPublisher(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) pipeline.Publisher {
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err != nil {
		log.Info("Google Drive credentials not found - artifacts stay in the blob store only")
		return nil
	}
	client, err := storage.NewDriveClient(ctx,
		cfg.GoogleDrive.CredentialsFile,
		cfg.GoogleDrive.TokenFile,
		cfg.GoogleDrive.FolderName,
	)
	if err != nil {
		log.WithError(err).Warn("Google Drive not available")
		return nil
	}
	log.Info("Google Drive publishing enabled")
	return client
}

// wireInference fills the job clients for the configured mode.
func (a *app) wireInference(ctx context.Context, deps *pipeline.Deps, gen llm.TextGenerator, catalog *prompts.Catalog) {
	cfg := a.cfg
	if cfg.Inference.Mode == "http" {
		client := &http.Client{}
		deps.Diarization = inference.NewAsyncEndpoint(cfg.Inference.DiarizationURL, a.blobs, client)
		deps.Transcription = inference.NewAsyncEndpoint(cfg.Inference.TranscriptionURL, a.blobs, client)
		deps.Analytics = inference.NewAnalyticsService(cfg.Inference.AnalyticsURL, a.blobs, client)
		if cfg.Inference.LanguageURL != "" {
			deps.Language = inference.NewLanguageService(cfg.Inference.LanguageURL, client)
		}
		a.log.WithField("mode", "http").Info("Inference services configured")
		return
	}

	var generator inference.Generator
	if gen != nil {
		generator = gen
	}
	a.local = inference.NewLocalExecutor(ctx, inference.LocalExecutorConfig{
		Store: a.blobs,
		Diarizer: inference.CommandDiarizer{
			Command: cfg.DiarizationCommand(),
			WorkDir: cfg.Storage.TempDir,
		},
		Transcriber: transcription.NewWhisperTranscriber(
			cfg.Inference.WhisperModel,
			cfg.Inference.PythonCommand,
			cfg.Storage.TempDir,
			a.log,
		),
		Generator: generator,
		Prompts: inference.LinePrompts{
			Sentiment: catalog.Line.Sentiment,
			Entities:  catalog.Line.Entities,
		},
		WorkDir:       cfg.Storage.TempDir,
		Concurrency:   cfg.Inference.Concurrency,
		RetryAttempts: cfg.Inference.JobRetries,
		RetryDelay:    cfg.Inference.JobRetryDelay,
		Log:           a.log,
	})
	var client jobs.AsyncJobClient = a.local
	deps.Diarization, deps.Transcription = client, client
	if generator != nil {
		deps.Analytics = client
	} else {
		a.log.Warn("No LLM provider configured - local sentiment and entity analytics are skipped")
	}
	a.log.WithField("mode", "local").Info("Inference runs in-process")
}

// Close waits for local jobs and closes the stores.
func (a *app) Close() {
	if a.local != nil {
		a.local.Wait()
	}
	var errs []error
	if a.records != nil {
		errs = append(errs, a.records.Close())
	}
	if a.blobs != nil {
		errs = append(errs, a.blobs.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.WithError(err).Error("Failed to close stores")
	}
}
