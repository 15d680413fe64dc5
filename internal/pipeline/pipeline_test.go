package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/inference"
	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// fakeJob completes a job on its readyAfter-th poll by writing output(req)
// to the requested location.
type fakeJob struct {
	mu          sync.Mutex
	store       storage.BlobStore
	readyAfter  int
	output      func(req jobs.Request) []byte
	failSubmits int
	submitErr   error

	submitCalls int
	requests    map[string]jobs.Request
	polls       map[string]int
}

func newFakeJob(store storage.BlobStore, readyAfter int, output func(jobs.Request) []byte) *fakeJob {
	return &fakeJob{
		store:      store,
		readyAfter: readyAfter,
		output:     output,
		requests:   map[string]jobs.Request{},
		polls:      map[string]int{},
	}
}

func (f *fakeJob) Submit(_ context.Context, req jobs.Request) (jobs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return jobs.Handle{}, f.submitErr
	}
	if f.failSubmits > 0 {
		f.failSubmits--
		return jobs.Handle{}, jobs.Transient(errors.New("throttled"))
	}
	id := fmt.Sprintf("%s-%d", req.Kind, len(f.requests))
	f.requests[id] = req
	return jobs.Handle{Kind: req.Kind, JobID: id, OutputKey: req.OutputKey}, nil
}

func (f *fakeJob) TryFetch(ctx context.Context, h jobs.Handle) ([]byte, error) {
	f.mu.Lock()
	f.polls[h.JobID]++
	n := f.polls[h.JobID]
	req, ok := f.requests[h.JobID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job %s", h.JobID)
	}
	if n < f.readyAfter {
		return nil, jobs.ErrNotReady
	}
	data := f.output(req)
	if err := f.store.Put(ctx, req.OutputKey, data, "application/octet-stream"); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *fakeJob) totalPolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.polls {
		n += p
	}
	return n
}

type fakeGenerator struct {
	answer string
}

func (g fakeGenerator) Generate(context.Context, string) (string, error) {
	return g.answer, nil
}

type fakePublisher struct {
	failures int
	calls    int
	files    []storage.PublishedFile
}

func (p *fakePublisher) Publish(_ context.Context, _ string, files []storage.PublishedFile) (string, error) {
	p.calls++
	if p.calls <= p.failures {
		return "", errors.New("drive unavailable")
	}
	p.files = files
	return "https://drive.example/folder", nil
}

const twoSpeakers = "[ 00:00:00.000 -->  00:00:01.500] A SPEAKER_00\n" +
	"[ 00:00:01.500 -->  00:00:03.000] B SPEAKER_01\n"

func silentWAV(t *testing.T, d time.Duration) []byte {
	t.Helper()
	format := beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2}
	f, err := os.Create(filepath.Join(t.TempDir(), "call.wav"))
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	if err := wav.Encode(f, beep.Silence(format.SampleRate.N(d)), format); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func transcriptionOutput(req jobs.Request) []byte {
	kind, lang := types.KindOriginal, "en"
	if req.Kind == jobs.KindTranslation {
		kind = types.KindTranslated
	}
	texts := []string{"hello, how can I help", "my router is broken!"}
	var results []types.ChunkResult
	for i, text := range texts {
		results = append(results, types.ChunkResult{
			Index: i, Text: text, DetectedLanguage: lang, LanguageConfidence: 0.9, Kind: kind,
		})
	}
	data, err := inference.EncodeChunkBundle(inference.NewChunkBundle(results))
	if err != nil {
		panic(err)
	}
	return data
}

func analyticsOutput(req jobs.Request) []byte {
	var lines []types.LineAnnotation
	if req.Kind == jobs.KindSentiment {
		lines = []types.LineAnnotation{
			{Line: 0, Sentiment: "POSITIVE", SentimentScore: &types.SentimentScore{Positive: 0.9}},
			{Line: 1, Sentiment: "NEGATIVE", SentimentScore: &types.SentimentScore{Negative: 0.8}},
		}
	} else {
		lines = []types.LineAnnotation{
			{Line: 1, Entities: []types.Entity{{Type: "COMMERCIAL_ITEM", Text: "router", Score: 0.8, BeginOffset: 3, EndOffset: 9}}},
		}
	}
	data, err := inference.EncodeAnnotations(lines)
	if err != nil {
		panic(err)
	}
	return data
}

func testSettings() Settings {
	return Settings{
		Diarization:       PollSettings{Interval: 30 * time.Second, MaxRetries: 3},
		Transcription:     PollSettings{Interval: 2 * time.Minute, MaxRetries: 3},
		Translation:       PollSettings{Interval: 2 * time.Minute, MaxRetries: 3},
		Sentiment:         PollSettings{Interval: time.Minute, MaxRetries: 3},
		Entities:          PollSettings{Interval: 30 * time.Second, MaxRetries: 3},
		Retry:             RetryPolicy{Interval: time.Minute, Backoff: 2, MaxAttempts: 3},
		AnalyticsLanguage: "en",
		PublishAttempts:   3,
	}
}

type harness struct {
	blobs         *storage.BadgerStore
	records       *storage.RecordStore
	clock         *fakeClock
	diarization   *fakeJob
	transcription *fakeJob
	analytics     *fakeJob
	deps          Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs, err := storage.NewInMemoryBadgerStore("calls")
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })
	records, err := storage.NewRecordStore(":memory:")
	if err != nil {
		t.Fatalf("record store: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	h := &harness{
		blobs:   blobs,
		records: records,
		clock:   newFakeClock(),
		diarization: newFakeJob(blobs, 2, func(jobs.Request) []byte {
			return []byte(twoSpeakers)
		}),
		transcription: newFakeJob(blobs, 1, transcriptionOutput),
		analytics:     newFakeJob(blobs, 1, analyticsOutput),
	}
	h.deps = Deps{
		Blobs:         blobs,
		Records:       records,
		Planner:       transcription.NewChunkPlanner(blobs, t.TempDir(), quietLogger()),
		Diarization:   h.diarization,
		Transcription: h.transcription,
		Analytics:     h.analytics,
		Generator:     fakeGenerator{answer: "Positive, mostly"},
		Clock:         h.clock,
		Log:           quietLogger(),
	}
	return h
}

// start stores an input object with its upload record and returns a new
// execution for it.
func (h *harness) start(t *testing.T, key string, data []byte, contentType string) *Execution {
	t.Helper()
	ctx := context.Background()
	if err := h.blobs.Put(ctx, key, data, contentType); err != nil {
		t.Fatalf("put input: %v", err)
	}
	err := h.records.PutUpload(ctx, &storage.UploadRecord{
		ObjectKey:          key,
		Bucket:             "calls",
		LastModified:       "2024-05-01T09:59:00Z",
		ContentType:        contentType,
		ContentLength:      int64(len(data)),
		ExecutionID:        "exec-1",
		ExecutionStartedAt: h.clock.Now(),
		Status:             types.StatusRunning,
	})
	if err != nil {
		t.Fatalf("put upload: %v", err)
	}
	return NewExecution("exec-1", "calls", key, h.clock.Now())
}

func (h *harness) artifact(t *testing.T, key string) types.AnnotatedTranscript {
	t.Helper()
	raw, err := h.blobs.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("read artifact %s: %v", key, err)
	}
	var out types.AnnotatedTranscript
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	return out
}

func TestMachineValidate(t *testing.T) {
	m := NewMachine()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !m.Allowed(StateChunk, StateCombineTranscription) {
		t.Error("CHUNK should be able to skip transcription")
	}
	if m.Allowed(StateDetectType, StateSummarize) {
		t.Error("DETECT_TYPE must not jump to SUMMARIZE")
	}
	if !m.Allowed(StateSummarize, StateFail) {
		t.Error("every state may fail")
	}
	if _, ok := m.Step(StateSucceed); ok {
		t.Error("terminal states have no step")
	}
}

func TestStateJSONRoundTrip(t *testing.T) {
	st := NewState(map[string]any{KeyKey: "calls/a.wav"})
	st.Set(KeyTurnCount, 4)
	st.Set(KeyDiarizationComplete, true)
	st.SetTime(KeySentimentNextPoll, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back := NewState(nil)
	if err := json.Unmarshal(raw, back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Int(KeyTurnCount) != 4 || !back.Bool(KeyDiarizationComplete) || back.String(KeyKey) != "calls/a.wav" {
		t.Errorf("unexpected state after round trip: %v", back.Snapshot())
	}
	if !back.Time(KeySentimentNextPoll).Equal(st.Time(KeySentimentNextPoll)) {
		t.Errorf("time lost in round trip")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Interval: 10 * time.Minute, Backoff: 2}
	for attempt, want := range map[int]time.Duration{1: 10 * time.Minute, 2: 20 * time.Minute, 3: 40 * time.Minute} {
		if got := p.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestPollExhaustion(t *testing.T) {
	ctx := context.Background()
	never := newFakeJob(nil, 1000, nil)
	h, _ := never.Submit(ctx, jobs.Request{Kind: jobs.KindDiarization})

	for _, tc := range []struct {
		name    string
		mode    Exhaustion
		wantErr bool
	}{
		{"fallback", FallbackOnExhausted, false},
		{"fail", FailOnExhausted, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := NewState(map[string]any{"job": h.Encode()})
			spec := PollSpec{
				State: StateWaitDiarization, Job: never, HandleKey: "job",
				CompleteKey: "done", RetryKey: "tries", MaxRetries: 2, OnExhausted: tc.mode,
			}
			for i := 1; i <= 2; i++ {
				outcome, _, err := Poll(ctx, st, spec)
				if err != nil || outcome != PollWaiting {
					t.Fatalf("attempt %d: got %v, %v", i, outcome, err)
				}
			}
			outcome, _, err := Poll(ctx, st, spec)
			if tc.wantErr {
				var terminal *jobs.TerminalError
				if !errors.Is(err, jobs.ErrRetryBudgetExceeded) || !errors.As(err, &terminal) {
					t.Fatalf("expected terminal retry budget error, got %v", err)
				}
				return
			}
			if err != nil || outcome != PollFellBack || !st.Bool("done") {
				t.Fatalf("expected fallback, got %v, %v", outcome, err)
			}
		})
	}
}

func TestRunAudioEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pub := &fakePublisher{failures: 1}
	h.deps.Publisher = pub
	p := New(h.deps, testSettings())
	cp := RecordCheckpointer{Store: h.records}
	r := NewRunner(p, nil, cp)

	ex := h.start(t, "inbox/call.wav", silentWAV(t, 4*time.Second), "audio/wav")
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateSucceed || ex.Status != types.StatusSucceeded {
		t.Fatalf("execution ended in %s/%s: %s", ex.State, ex.Status, ex.Error)
	}

	out := h.artifact(t, "output/call.wav/exec-1/call.wav.json")
	if len(out.SpeechSegments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(out.SpeechSegments))
	}
	first := out.SpeechSegments[0]
	if first.SegmentSpeaker != "Agent" || first.DisplayText != "hello, how can I help" {
		t.Errorf("unexpected first segment: %+v", first)
	}
	if first.BaseSentiment == nil || *first.BaseSentiment != "POSITIVE" {
		t.Errorf("sentiment not attached to line 0")
	}
	if got := out.SpeechSegments[1].DisplayText; got != "my router is broken" {
		t.Errorf("display text not cleaned: %q", got)
	}
	ca := out.ConversationAnalytics
	if ca.LanguageCode != "en" || ca.Language != "english" {
		t.Errorf("language = %s/%s", ca.LanguageCode, ca.Language)
	}
	if ca.Summary.Summary != "Positive, mostly" || ca.Summary.AgentSentiment != "Positive" {
		t.Errorf("unexpected summary: %+v", ca.Summary)
	}
	if len(ca.CustomEntities) != 1 || ca.CustomEntities[0].Name != "COMMERCIAL_ITEM" {
		t.Errorf("unexpected custom entities: %+v", ca.CustomEntities)
	}
	if ca.SpeakerTime == nil || ca.SpeakerTime.Agent.TotalTimeSecs != 1.5 || ca.SpeakerTime.Total.TotalTimeSecs != 4 {
		t.Errorf("unexpected speaker time: %+v", ca.SpeakerTime)
	}
	if ca.SourceInformation.TranscribeJobInfo == nil || ca.SourceInformation.TranscribeJobInfo.ExecutionID != "exec-1" {
		t.Errorf("missing job info: %+v", ca.SourceInformation)
	}
	if out.TranslatedTranscript != nil {
		t.Errorf("English call must not be translated")
	}

	chunks, err := h.blobs.List(ctx, "output/call.wav/exec-1/chunks/")
	if err != nil || len(chunks) != 0 {
		t.Errorf("audio chunks not cleaned up: %d, %v", len(chunks), err)
	}
	if h.diarization.totalPolls() != 2 {
		t.Errorf("diarization polled %d times", h.diarization.totalPolls())
	}

	rec, err := h.records.GetUpload(ctx, "inbox/call.wav")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if rec.Status != types.StatusSucceeded || rec.Language != "english" || rec.AgentSecs != 1.5 {
		t.Errorf("unexpected record: %+v", rec)
	}

	saved, err := cp.Load(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.State != StateSucceed || saved.Data.String(KeyDriveLink) != "https://drive.example/folder" {
		t.Errorf("unexpected checkpoint: %s %v", saved.State, saved.Data.Snapshot())
	}
	if pub.calls != 2 || len(pub.files) != 3 {
		t.Errorf("publisher called %d times with %d files", pub.calls, len(pub.files))
	}
}

func TestRunTranslatesNonEnglishAudio(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transcription.output = func(req jobs.Request) []byte {
		kind, lang := types.KindOriginal, "hi"
		if req.Kind == jobs.KindTranslation {
			kind, lang = types.KindTranslated, "en"
		}
		data, _ := inference.EncodeChunkBundle(inference.NewChunkBundle([]types.ChunkResult{
			{Index: 0, Text: "text 0 " + lang, DetectedLanguage: lang, LanguageConfidence: 0.9, Kind: kind},
			{Index: 1, Text: "text 1 " + lang, DetectedLanguage: lang, LanguageConfidence: 0.9, Kind: kind},
		}))
		return data
	}
	r := NewRunner(New(h.deps, testSettings()), nil, nil)

	ex := h.start(t, "inbox/call.wav", silentWAV(t, 4*time.Second), "audio/wav")
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateSucceed {
		t.Fatalf("execution ended in %s: %s", ex.State, ex.Error)
	}

	out := h.artifact(t, "output/call.wav/exec-1/call.wav.json")
	if out.ConversationAnalytics.LanguageCode != "hi" || out.ConversationAnalytics.Language != "hindi" {
		t.Errorf("language = %+v", out.ConversationAnalytics)
	}
	if len(out.TranslatedTranscript) != 2 || out.SpeechSegments[0].TranslatedText != "text 0 en" {
		t.Errorf("translation missing: %+v", out.TranslatedTranscript)
	}
	for id, req := range h.analytics.requests {
		if req.InputKey != "output/call.wav/exec-1/call.wav.translated.txt" {
			t.Errorf("%s analysed %s instead of the translation", id, req.InputKey)
		}
	}
}

func TestRunFallsBackWhenDiarizationNeverCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.diarization.readyAfter = 1000
	r := NewRunner(New(h.deps, testSettings()), nil, nil)

	ex := h.start(t, "inbox/call.wav", silentWAV(t, 4*time.Second), "audio/wav")
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateSucceed {
		t.Fatalf("execution ended in %s: %s", ex.State, ex.Error)
	}
	if !ex.Data.Bool(KeyDiarizationFellBack) {
		t.Error("fallback not recorded")
	}
	if got := h.diarization.totalPolls(); got != 4 {
		t.Errorf("expected 4 not-ready polls before falling back, got %d", got)
	}
	if h.transcription.submitCalls != 0 || h.analytics.submitCalls != 0 {
		t.Error("no speech turns means no transcription or analytics jobs")
	}

	out := h.artifact(t, "output/call.wav/exec-1/call.wav.json")
	if len(out.SpeechSegments) != 0 || out.ConversationAnalytics.LanguageCode != types.LanguageOriginal {
		t.Errorf("unexpected artifact: %+v", out)
	}
	if out.ConversationAnalytics.Summary.Summary != "" {
		t.Error("empty transcript must not be summarised")
	}
	if st := out.ConversationAnalytics.SpeakerTime; st == nil || st.Total.TotalTimeSecs != 4 {
		t.Errorf("total talk time should cover the audio: %+v", st)
	}
}

func TestRunTextEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.analytics.failSubmits = 1
	r := NewRunner(New(h.deps, testSettings()), nil, nil)

	text := "Agent: hello, how can I help\nCustomer: my router is broken\n"
	ex := h.start(t, "inbox/chat.txt", []byte(text), "text/plain")
	started := h.clock.Now()
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateSucceed {
		t.Fatalf("execution ended in %s: %s", ex.State, ex.Error)
	}
	if h.diarization.submitCalls != 0 || h.transcription.submitCalls != 0 {
		t.Error("text input must skip the audio stages")
	}
	if h.analytics.submitCalls != 3 {
		t.Errorf("expected one throttled and two accepted submissions, got %d", h.analytics.submitCalls)
	}
	if h.clock.Now().Sub(started) < time.Minute {
		t.Error("transient failure was retried without waiting")
	}
	if ex.Data.Has(retryKey(StateAnalytics)) {
		t.Error("retry counter must be cleared once the state succeeds")
	}

	out := h.artifact(t, "output/chat.txt/exec-1/chat.txt.json")
	if len(out.SpeechSegments) != 2 || out.SpeechSegments[1].SegmentSpeaker != "Customer" {
		t.Fatalf("unexpected segments: %+v", out.SpeechSegments)
	}
	if out.ConversationAnalytics.SpeakerTime != nil {
		t.Error("text input has no talk time")
	}
	if len(out.SpeechSegments[1].EntitiesDetected) != 1 {
		t.Errorf("entities not attached: %+v", out.SpeechSegments[1])
	}
}

// throttledGenerator is rate limited on its first call only.
type throttledGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *throttledGenerator) Generate(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls == 1 {
		return "", jobs.Transient(errors.New("status 429: slow down"))
	}
	return "POSITIVE", nil
}

// settledExecutor lets each local job finish before Submit returns.
type settledExecutor struct {
	mu sync.Mutex
	*inference.LocalExecutor
}

func (s *settledExecutor) Submit(ctx context.Context, req jobs.Request) (jobs.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.LocalExecutor.Submit(ctx, req)
	s.Wait()
	return h, err
}

func TestRunRecoversFromThrottledLocalAnalytics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gen := &throttledGenerator{}
	local := inference.NewLocalExecutor(ctx, inference.LocalExecutorConfig{
		Store:     h.blobs,
		Generator: gen,
		Prompts:   inference.LinePrompts{Sentiment: "{transcript}", Entities: "{transcript}"},
		WorkDir:   t.TempDir(),
		Log:       quietLogger(),
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
	h.deps.Analytics = &settledExecutor{LocalExecutor: local}
	r := NewRunner(New(h.deps, testSettings()), nil, nil)

	ex := h.start(t, "inbox/chat.txt", []byte("Agent: hello\nCustomer: thanks\n"), "text/plain")
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateSucceed {
		t.Fatalf("execution ended in %s: %s", ex.State, ex.Error)
	}
	if gen.calls != 5 {
		t.Errorf("expected four line calls plus one retry, got %d", gen.calls)
	}
	out := h.artifact(t, "output/chat.txt/exec-1/chat.txt.json")
	for i, seg := range out.SpeechSegments {
		if seg.BaseSentiment == nil || *seg.BaseSentiment != "POSITIVE" {
			t.Errorf("line %d lost its sentiment", i)
		}
	}
}

func TestRunSkipsLineAnalyticsWithoutService(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.deps.Analytics = nil
	h.deps.Generator = nil
	r := NewRunner(New(h.deps, testSettings()), nil, nil)

	ex := h.start(t, "inbox/chat.txt", []byte("Agent: hello\nCustomer: my router is broken\n"), "text/plain")
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateSucceed {
		t.Fatalf("execution ended in %s: %s", ex.State, ex.Error)
	}
	if !ex.Data.Bool(KeySentimentComplete) || !ex.Data.Bool(KeyEntitiesComplete) {
		t.Error("analytics branches not marked complete")
	}
	if h.analytics.submitCalls != 0 {
		t.Errorf("unexpected analytics submissions: %d", h.analytics.submitCalls)
	}

	out := h.artifact(t, "output/chat.txt/exec-1/chat.txt.json")
	if len(out.SpeechSegments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(out.SpeechSegments))
	}
	if seg := out.SpeechSegments[0]; seg.BaseSentiment != nil || len(seg.EntitiesDetected) != 0 {
		t.Errorf("segment annotated without analytics: %+v", seg)
	}
}

func TestRunFailureRemovesPartialArtifacts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := NewRunner(New(h.deps, testSettings()), nil, nil)

	ex := h.start(t, "inbox/chat.txt", []byte("Agent: hello\n"), "text/plain")
	// A newer execution owns the record, so this one cannot complete.
	err := h.records.PutUpload(ctx, &storage.UploadRecord{
		ObjectKey:          "inbox/chat.txt",
		Bucket:             "calls",
		LastModified:       "2024-05-01T10:30:00Z",
		ExecutionID:        "exec-2",
		ExecutionStartedAt: h.clock.Now(),
		Status:             types.StatusRunning,
	})
	if err != nil {
		t.Fatalf("put upload: %v", err)
	}

	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateFail {
		t.Fatalf("expected FAIL, got %s", ex.State)
	}
	for _, name := range []string{"chat.txt.json", "chat.txt.sentiment.json", "chat.txt.entities.json"} {
		if _, err := h.blobs.Get(ctx, "output/chat.txt/exec-1/"+name); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("%s left behind: %v", name, err)
		}
	}
}

func TestRunFailsUnsupportedMedia(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := NewRunner(New(h.deps, testSettings()), nil, RecordCheckpointer{Store: h.records})

	ex := h.start(t, "inbox/photo.png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), "image/png")
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateFail || ex.Status != types.StatusFailed {
		t.Fatalf("expected FAIL, got %s/%s", ex.State, ex.Status)
	}
	if !strings.Contains(ex.Error, jobs.ErrUnsupportedMedia.Error()) {
		t.Errorf("unexpected error: %s", ex.Error)
	}
	rec, err := h.records.GetUpload(ctx, "inbox/photo.png")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if rec.Status != types.StatusFailed || rec.Error == "" {
		t.Errorf("failure not recorded: %+v", rec)
	}
}

func TestRunFailsWhenTransientErrorsPersist(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.analytics.submitErr = jobs.Transient(errors.New("throttled"))
	r := NewRunner(New(h.deps, testSettings()), nil, nil)

	ex := h.start(t, "inbox/chat.txt", []byte("Agent: hi\n"), "text/plain")
	if err := r.Run(ctx, ex); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.State != StateFail {
		t.Fatalf("expected FAIL, got %s", ex.State)
	}
	if !strings.Contains(ex.Error, jobs.ErrRetryBudgetExceeded.Error()) {
		t.Errorf("unexpected error: %s", ex.Error)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r := NewRunner(New(h.deps, testSettings()), nil, nil)
	ex := h.start(t, "inbox/chat.txt", []byte("Agent: hi\n"), "text/plain")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx, ex); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ex.State.Terminal() {
		t.Errorf("cancelled execution must not be terminal, got %s", ex.State)
	}
}
