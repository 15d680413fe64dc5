package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// wavHeaderSize is the size of a canonical PCM WAV header. Chunks no larger
// than this carry no samples.
const wavHeaderSize = 44

// Diarizer produces raw diarization output for a WAV file.
type Diarizer interface {
	Diarize(ctx context.Context, wavPath string) ([]byte, error)
}

// ChunkTranscriber transcribes or translates one audio file.
type ChunkTranscriber interface {
	Transcribe(ctx context.Context, audioPath, task string) (*transcription.WhisperResult, error)
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LinePrompts are the templates used to annotate a single transcript line.
// "{transcript}" is replaced by the line.
type LinePrompts struct {
	Sentiment string
	Entities  string
}

// CommandDiarizer runs an external diarization program as
// "<command...> <input.wav> <output.txt>".
type CommandDiarizer struct {
	Command []string
	WorkDir string
}

// Diarize implements Diarizer.
func (d CommandDiarizer) Diarize(ctx context.Context, wavPath string) ([]byte, error) {
	if len(d.Command) == 0 {
		return nil, errors.New("no diarization command configured")
	}
	outPath := filepath.Join(d.WorkDir, "diarization-"+uuid.NewString()+".txt")
	defer os.Remove(outPath)

	args := append(append([]string(nil), d.Command[1:]...), wavPath, outPath)
	cmd := exec.CommandContext(ctx, d.Command[0], args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("diarization command failed: %w\nOutput: %s", err, string(output))
	}
	return os.ReadFile(outPath)
}

// LocalExecutor runs every job kind in-process on background goroutines and
// writes outputs to the same blob keys the remote services would. Job state
// lives in memory: after a restart unfinished jobs are reported as lost.
type LocalExecutor struct {
	store       storage.BlobStore
	diarizer    Diarizer
	transcriber ChunkTranscriber
	generator   Generator
	prompts     LinePrompts
	workDir     string
	log         logrus.FieldLogger

	retryAttempts int
	retryDelay    time.Duration
	sleep         func(context.Context, time.Duration) error

	baseCtx context.Context
	sem     chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	done bool
	err  error
}

// LocalExecutorConfig wires the executor's collaborators.
type LocalExecutorConfig struct {
	Store       storage.BlobStore
	Diarizer    Diarizer
	Transcriber ChunkTranscriber
	Generator   Generator
	Prompts     LinePrompts
	WorkDir     string
	Concurrency int
	Log         logrus.FieldLogger

	// RetryAttempts bounds how often a job is run when it fails with a
	// transient error. RetryDelay is the first wait and doubles per retry.
	RetryAttempts int
	RetryDelay    time.Duration
	// Sleep waits between retries. Nil uses a timer.
	Sleep func(context.Context, time.Duration) error
}

// NewLocalExecutor creates an executor. Jobs are cancelled when ctx is.
func NewLocalExecutor(ctx context.Context, cfg LocalExecutorConfig) *LocalExecutor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &LocalExecutor{
		store:       cfg.Store,
		diarizer:    cfg.Diarizer,
		transcriber: cfg.Transcriber,
		generator:   cfg.Generator,
		prompts:     cfg.Prompts,
		workDir:     cfg.WorkDir,
		log:         cfg.Log,

		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		sleep:         cfg.Sleep,

		baseCtx: ctx,
		sem:     make(chan struct{}, cfg.Concurrency),
		jobs:    map[string]*localJob{},
	}
}

// Submit starts the job in the background.
func (e *LocalExecutor) Submit(_ context.Context, req jobs.Request) (jobs.Handle, error) {
	run, err := e.runnerFor(req)
	if err != nil {
		return jobs.Handle{}, err
	}

	id := uuid.NewString()
	job := &localJob{}
	e.mu.Lock()
	e.jobs[id] = job
	e.mu.Unlock()

	log := e.log.WithFields(logrus.Fields{"job": id, "kind": req.Kind})
	log.Info("Local job submitted")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-e.baseCtx.Done():
			e.finish(id, e.baseCtx.Err())
			return
		}

		err := e.runWithRetry(e.baseCtx, log, run, req)
		if err != nil {
			log.WithError(err).Error("Local job failed")
		} else {
			log.Info("Local job finished")
		}
		e.finish(id, err)
	}()

	return jobs.Handle{Kind: req.Kind, JobID: id, OutputKey: req.OutputKey}, nil
}

// TryFetch returns the job output once the job has finished.
func (e *LocalExecutor) TryFetch(ctx context.Context, h jobs.Handle) ([]byte, error) {
	e.mu.Lock()
	job, known := e.jobs[h.JobID]
	var done bool
	var jobErr error
	if known {
		done, jobErr = job.done, job.err
	}
	e.mu.Unlock()

	if known && !done {
		return nil, fmt.Errorf("%s job %s running: %w", h.Kind, h.JobID, jobs.ErrNotReady)
	}
	if jobErr != nil {
		if errors.Is(jobErr, context.Canceled) || errors.Is(jobErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s job %s: %w", h.Kind, h.JobID, jobErr)
		}
		// Transient causes were already retried inside the job.
		return nil, fmt.Errorf("%s job %s: %w: %v", h.Kind, h.JobID, jobs.ErrJobFailed, jobErr)
	}

	data, err := e.store.Get(ctx, h.OutputKey)
	if errors.Is(err, storage.ErrNotFound) {
		if !known {
			return nil, fmt.Errorf("%s job %s is unknown to this process", h.Kind, h.JobID)
		}
		return nil, fmt.Errorf("%s job %s wrote no output", h.Kind, h.JobID)
	}
	return data, err
}

// Wait blocks until every submitted job has returned.
func (e *LocalExecutor) Wait() {
	e.wg.Wait()
}

// runWithRetry reruns a job whose failure is transient, backing off between
// attempts.
func (e *LocalExecutor) runWithRetry(ctx context.Context, log logrus.FieldLogger, run func(context.Context, jobs.Request) error, req jobs.Request) error {
	delay := e.retryDelay
	for attempt := 1; ; attempt++ {
		err := run(ctx, req)
		if err == nil || !jobs.IsTransient(err) || attempt >= e.retryAttempts {
			return err
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Transient job failure, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LocalExecutor) finish(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if job, ok := e.jobs[id]; ok {
		job.done = true
		job.err = err
	}
}

func (e *LocalExecutor) runnerFor(req jobs.Request) (func(context.Context, jobs.Request) error, error) {
	switch req.Kind {
	case jobs.KindDiarization:
		if e.diarizer == nil {
			return nil, errors.New("local diarization is not configured")
		}
		return e.runDiarization, nil
	case jobs.KindTranscription, jobs.KindTranslation:
		if e.transcriber == nil {
			return nil, errors.New("local transcription is not configured")
		}
		return e.runTranscription, nil
	case jobs.KindSentiment, jobs.KindEntities:
		if e.generator == nil {
			return nil, errors.New("local analytics need a text generator")
		}
		return e.runAnalytics, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", req.Kind)
}

func (e *LocalExecutor) runDiarization(ctx context.Context, req jobs.Request) error {
	path, cleanup, err := e.materialise(ctx, req.InputKey, ".wav")
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := e.diarizer.Diarize(ctx, path)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, req.OutputKey, out, types.ContentTypeText)
}

// runTranscription processes every chunk under the input prefix and writes a
// single bundle.
func (e *LocalExecutor) runTranscription(ctx context.Context, req jobs.Request) error {
	objects, err := e.store.List(ctx, req.InputKey)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}

	task, kind := transcription.TaskTranscribe, types.KindOriginal
	if req.Kind == jobs.KindTranslation {
		task, kind = transcription.TaskTranslate, types.KindTranslated
	}

	var results []types.ChunkResult
	for _, obj := range objects {
		idx, ok := chunkIndex(req.InputKey, obj.Key)
		if !ok {
			continue
		}
		result := types.ChunkResult{Index: idx, Kind: kind}
		if obj.Size > wavHeaderSize {
			res, err := e.transcribeChunk(ctx, obj.Key, task)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", idx, err)
			}
			result.Text = res.Text
			result.DetectedLanguage = res.Language
			result.LanguageConfidence = res.LanguageConfidence()
		}
		results = append(results, result)
	}

	data, err := EncodeChunkBundle(NewChunkBundle(results))
	if err != nil {
		return err
	}
	return e.store.Put(ctx, req.OutputKey, data, "application/gzip")
}

func (e *LocalExecutor) transcribeChunk(ctx context.Context, key, task string) (*transcription.WhisperResult, error) {
	path, cleanup, err := e.materialise(ctx, key, ".wav")
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return e.transcriber.Transcribe(ctx, path, task)
}

// runAnalytics annotates every non-empty line of the transcript text.
func (e *LocalExecutor) runAnalytics(ctx context.Context, req jobs.Request) error {
	raw, err := e.store.Get(ctx, req.InputKey)
	if err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}

	var annotations []types.LineAnnotation
	for i, line := range strings.Split(string(raw), "\n") {
		text := lineText(line)
		if text == "" {
			continue
		}
		var a types.LineAnnotation
		if req.Kind == jobs.KindSentiment {
			a, err = e.lineSentiment(ctx, i, text)
		} else {
			a, err = e.lineEntities(ctx, i, text)
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", i, err)
		}
		annotations = append(annotations, a)
	}

	data, err := EncodeAnnotations(annotations)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, req.OutputKey, data, "application/gzip")
}

var sentimentLabels = []string{"POSITIVE", "NEGATIVE", "NEUTRAL", "MIXED"}

func (e *LocalExecutor) lineSentiment(ctx context.Context, line int, text string) (types.LineAnnotation, error) {
	answer, err := e.generator.Generate(ctx, strings.ReplaceAll(e.prompts.Sentiment, "{transcript}", text))
	if err != nil {
		return types.LineAnnotation{}, err
	}
	label := ParseSentimentLabel(answer)
	score := &types.SentimentScore{}
	switch label {
	case "POSITIVE":
		score.Positive = 1
	case "NEGATIVE":
		score.Negative = 1
	case "MIXED":
		score.Mixed = 1
	default:
		score.Neutral = 1
	}
	return types.LineAnnotation{Line: line, Sentiment: label, SentimentScore: score}, nil
}

func (e *LocalExecutor) lineEntities(ctx context.Context, line int, text string) (types.LineAnnotation, error) {
	answer, err := e.generator.Generate(ctx, strings.ReplaceAll(e.prompts.Entities, "{transcript}", text))
	if err != nil {
		return types.LineAnnotation{}, err
	}
	return types.LineAnnotation{Line: line, Entities: ParseEntities(answer, text)}, nil
}

// ParseSentimentLabel extracts the first known sentiment label from a model
// answer, defaulting to NEUTRAL.
func ParseSentimentLabel(answer string) string {
	upper := strings.ToUpper(answer)
	best, bestPos := "NEUTRAL", -1
	for _, label := range sentimentLabels {
		if pos := strings.Index(upper, label); pos >= 0 && (bestPos < 0 || pos < bestPos) {
			best, bestPos = label, pos
		}
	}
	return best
}

// ParseEntities decodes a JSON array of {"Type","Text"} objects, optionally
// wrapped in a code fence, and locates each entity in the line. Entities
// that do not occur in the line are dropped.
func ParseEntities(answer, line string) []types.Entity {
	answer = strings.TrimSpace(answer)
	answer = strings.TrimPrefix(answer, "```json")
	answer = strings.TrimPrefix(answer, "```")
	answer = strings.TrimSuffix(answer, "```")
	if start := strings.Index(answer, "["); start >= 0 {
		if end := strings.LastIndex(answer, "]"); end > start {
			answer = answer[start : end+1]
		}
	}

	var raw []struct {
		Type string `json:"Type"`
		Text string `json:"Text"`
	}
	if err := json.Unmarshal([]byte(answer), &raw); err != nil {
		return []types.Entity{}
	}

	entities := []types.Entity{}
	for _, r := range raw {
		if r.Type == "" || r.Text == "" {
			continue
		}
		begin := strings.Index(line, r.Text)
		if begin < 0 {
			continue
		}
		entities = append(entities, types.Entity{
			Type:        strings.ToUpper(r.Type),
			Text:        r.Text,
			Score:       1,
			BeginOffset: begin,
			EndOffset:   begin + len(r.Text),
		})
	}
	return entities
}

// materialise copies a blob into a temp file for tools that need a path.
func (e *LocalExecutor) materialise(ctx context.Context, key, ext string) (string, func(), error) {
	data, err := e.store.Get(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	f, err := os.CreateTemp(e.workDir, "job-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// chunkIndex parses "<prefix><n>.wav".
func chunkIndex(prefix, key string) (int, bool) {
	name := strings.TrimPrefix(key, prefix)
	if name == key && prefix != "" || !strings.HasSuffix(name, ".wav") {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(name, ".wav"))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// lineText strips the "Role:" prefix of a combined transcript line.
func lineText(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}
