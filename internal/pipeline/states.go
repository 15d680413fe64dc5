package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/inference"
	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/prompts"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/stitch"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

const (
	transcribeBundle = "transcribe.json.gz"
	translateBundle  = "translate.json.gz"
	sniffLen         = 512
)

func (p *Pipeline) log(st *State, state StateName) logrus.FieldLogger {
	return p.Log.WithFields(logrus.Fields{
		"execution": st.String(KeyExecutionID),
		"state":     state,
	})
}

// outKey joins a file name onto the execution's output prefix.
func outKey(st *State, name string) string {
	return st.String(KeyOutputPrefix) + "/" + name
}

func (p *Pipeline) detectType(ctx context.Context, st *State) (Transition, error) {
	key := st.String(KeyKey)
	info, err := p.Blobs.Stat(ctx, key)
	if err != nil {
		return Transition{}, jobs.Terminal(string(StateDetectType), fmt.Errorf("stat input: %w", err))
	}
	data, err := p.Blobs.Get(ctx, key)
	if err != nil {
		return Transition{}, fmt.Errorf("read input: %w", err)
	}
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	contentType := transcription.DetectContentType(key, info.ContentType, head)

	input := path.Base(key)
	st.SetDefault(KeyBucket, p.Blobs.Bucket())
	st.SetDefault(KeyInputFile, input)
	st.SetDefault(KeyOutputPrefix, "output/"+input+"/"+st.String(KeyExecutionID))
	out := st.String(KeyOutputPrefix)
	st.SetDefault(KeyAudioChunks, out+"/chunks/")
	st.SetDefault(KeyTextChunks, out+"/txt_chunks/")
	st.SetDefault(KeyDiarizationFile, input+".diarization.txt")
	st.SetDefault(KeyOutputFile, input+".json")
	st.SetDefault(KeyOriginalTranscription, input+".original.txt")
	st.SetDefault(KeyGroups, "groups")
	st.SetDefault(KeyLanguageCode, types.LanguageOriginal)
	st.SetDefault(KeyLanguage, types.LanguageOriginal)
	st.SetDefault(KeyDiarizationComplete, false)
	st.SetDefault(KeyDiarizationRetries, 0)
	st.SetDefault(KeyTranscriptionComplete, false)
	st.SetDefault(KeyTranscriptionRetries, 0)
	st.Set(KeyContentType, contentType)

	p.log(st, StateDetectType).WithField("content_type", contentType).Info("Input type detected")

	switch contentType {
	case types.ContentTypeText:
		return Transition{Next: StateAnalytics}, nil
	case types.ContentTypeWAV:
		st.Set(KeyAudioWavFile, key)
		return Transition{Next: StateDiarize}, nil
	case types.ContentTypeMP3, types.ContentTypeMPEG:
		st.Set(KeyAudioWavFile, out+"/"+strings.TrimSuffix(input, path.Ext(input))+".wav")
		return Transition{Next: StateConvertToAudio}, nil
	}
	return Transition{}, jobs.Terminal(string(StateDetectType),
		fmt.Errorf("%s (declared %q): %w", key, info.ContentType, jobs.ErrUnsupportedMedia))
}

func (p *Pipeline) convertToAudio(ctx context.Context, st *State) (Transition, error) {
	key := st.String(KeyKey)
	data, err := p.Blobs.Get(ctx, key)
	if err != nil {
		return Transition{}, fmt.Errorf("read input: %w", err)
	}
	wav, err := p.Converter.Convert(ctx, data, path.Ext(key))
	if err != nil {
		return Transition{}, fmt.Errorf("convert to wav: %w", err)
	}
	if err := p.Blobs.Put(ctx, st.String(KeyAudioWavFile), wav, types.ContentTypeWAV); err != nil {
		return Transition{}, fmt.Errorf("store wav: %w", err)
	}
	p.log(st, StateConvertToAudio).WithField("bytes", len(wav)).Info("Audio converted")
	return Transition{Next: StateDiarize}, nil
}

func (p *Pipeline) diarize(ctx context.Context, st *State) (Transition, error) {
	h, err := p.Diarization.Submit(ctx, jobs.Request{
		Kind:      jobs.KindDiarization,
		InputKey:  st.String(KeyAudioWavFile),
		OutputKey: outKey(st, st.String(KeyDiarizationFile)),
	})
	if err != nil {
		return Transition{}, err
	}
	st.Set(KeyDiarizationJob, h.Encode())
	st.Set(KeyDiarizationComplete, false)
	st.Set(KeyDiarizationRetries, 0)
	p.log(st, StateDiarize).WithField("job", h.JobID).Info("Diarization submitted")
	return Transition{Next: StateWaitDiarization, Delay: p.settings.Diarization.Interval}, nil
}

func (p *Pipeline) waitDiarization(ctx context.Context, st *State) (Transition, error) {
	outcome, data, err := Poll(ctx, st, PollSpec{
		State:       StateWaitDiarization,
		Job:         p.Diarization,
		HandleKey:   KeyDiarizationJob,
		CompleteKey: KeyDiarizationComplete,
		RetryKey:    KeyDiarizationRetries,
		MaxRetries:  p.settings.Diarization.MaxRetries,
		OnExhausted: FallbackOnExhausted,
	})
	if err != nil {
		if jobs.IsTransient(err) {
			return Transition{}, err
		}
		return Transition{}, jobs.Terminal(string(StateWaitDiarization), err)
	}

	log := p.log(st, StateWaitDiarization)
	switch outcome {
	case PollWaiting:
		log.WithField("attempt", st.Int(KeyDiarizationRetries)).Debug("Diarization not ready")
		return Transition{Next: StateWaitDiarization, Delay: p.settings.Diarization.Interval}, nil
	case PollFellBack:
		log.Warn("Diarization never became ready, continuing without speaker turns")
		st.Set(KeyDiarizationFellBack, true)
		data = nil
	}

	if err := p.Blobs.Put(ctx, outKey(st, st.String(KeyDiarizationFile)), data, types.ContentTypeText); err != nil {
		return Transition{}, fmt.Errorf("store diarization: %w", err)
	}
	return Transition{Next: StateChunk}, nil
}

func (p *Pipeline) chunk(ctx context.Context, st *State) (Transition, error) {
	raw, err := p.Blobs.Get(ctx, outKey(st, st.String(KeyDiarizationFile)))
	if err != nil {
		return Transition{}, fmt.Errorf("read diarization: %w", err)
	}
	lines, err := transcription.ParseDiarization(raw)
	if err != nil {
		return Transition{}, jobs.Terminal(string(StateChunk), err)
	}
	turns := transcription.SegmentTurns(lines)

	audio, err := p.Blobs.Get(ctx, st.String(KeyAudioWavFile))
	if err != nil {
		return Transition{}, fmt.Errorf("read wav: %w", err)
	}
	plan, err := p.Planner.Plan(ctx, audio, turns, st.String(KeyAudioChunks), outKey(st, st.String(KeyGroups)))
	if err != nil {
		return Transition{}, jobs.Terminal(string(StateChunk), err)
	}
	st.Set(KeyTurnCount, len(turns))
	p.log(st, StateChunk).WithFields(logrus.Fields{
		"diarization_lines": len(lines),
		"turns":             len(turns),
		"audio_ms":          plan.TurnIndex.AudioDurationMs,
	}).Info("Audio chunked")

	if len(turns) == 0 {
		empty, err := inference.EncodeChunkBundle(inference.NewChunkBundle(nil))
		if err != nil {
			return Transition{}, err
		}
		if err := p.Blobs.Put(ctx, st.String(KeyTextChunks)+transcribeBundle, empty, "application/gzip"); err != nil {
			return Transition{}, fmt.Errorf("store empty transcription: %w", err)
		}
		st.Set(KeyTranscriptionComplete, true)
		return Transition{Next: StateCombineTranscription}, nil
	}
	return Transition{Next: StateTranscribe}, nil
}

func (p *Pipeline) transcribe(ctx context.Context, st *State) (Transition, error) {
	h, err := p.Transcription.Submit(ctx, jobs.Request{
		Kind:      jobs.KindTranscription,
		InputKey:  st.String(KeyAudioChunks),
		OutputKey: st.String(KeyTextChunks) + transcribeBundle,
		Task:      transcription.TaskTranscribe,
	})
	if err != nil {
		return Transition{}, err
	}
	st.Set(KeyTranscriptionJob, h.Encode())
	st.Set(KeyTranscriptionComplete, false)
	st.Set(KeyTranscriptionRetries, 0)
	p.log(st, StateTranscribe).WithField("job", h.JobID).Info("Transcription submitted")
	return Transition{Next: StateWaitTranscription, Delay: p.settings.Transcription.Interval}, nil
}

func (p *Pipeline) waitTranscription(ctx context.Context, st *State) (Transition, error) {
	outcome, data, err := Poll(ctx, st, PollSpec{
		State:       StateWaitTranscription,
		Job:         p.Transcription,
		HandleKey:   KeyTranscriptionJob,
		CompleteKey: KeyTranscriptionComplete,
		RetryKey:    KeyTranscriptionRetries,
		MaxRetries:  p.settings.Transcription.MaxRetries,
		OnExhausted: FailOnExhausted,
	})
	if err != nil {
		return Transition{}, err
	}
	if outcome == PollWaiting {
		return Transition{Next: StateWaitTranscription, Delay: p.settings.Transcription.Interval}, nil
	}
	if err := p.storeBundle(ctx, st, KeyTranscriptionJob, transcribeBundle, data); err != nil {
		return Transition{}, err
	}
	return Transition{Next: StateCombineTranscription}, nil
}

// storeBundle copies a job output to the bundle location when the service
// wrote it elsewhere.
func (p *Pipeline) storeBundle(ctx context.Context, st *State, handleKey, name string, data []byte) error {
	want := st.String(KeyTextChunks) + name
	h, err := jobs.DecodeHandle(st.String(handleKey))
	if err == nil && h.OutputKey == want {
		return nil
	}
	if err := p.Blobs.Put(ctx, want, data, "application/gzip"); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

func (p *Pipeline) loadBundle(ctx context.Context, st *State, name string) (map[string]types.ChunkResult, error) {
	data, err := p.Blobs.Get(ctx, st.String(KeyTextChunks)+name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return inference.DecodeChunkBundle(data)
}

// writeCombined renders the per-turn transcript for kind and stores it.
func (p *Pipeline) writeCombined(ctx context.Context, st *State, bundle, fileName string, kind types.ChunkKind) error {
	idx, err := transcription.LoadTurnIndex(ctx, p.Blobs, outKey(st, st.String(KeyGroups)))
	if err != nil {
		return err
	}
	results, err := p.loadBundle(ctx, st, bundle)
	if err != nil {
		return err
	}
	lines := stitch.CombineTranscription(idx.Turns, results, kind)
	text := strings.Join(lines, "\n")
	if len(lines) > 0 {
		text += "\n"
	}
	return p.Blobs.Put(ctx, outKey(st, fileName), []byte(text), types.ContentTypeText)
}

func (p *Pipeline) combineTranscription(ctx context.Context, st *State) (Transition, error) {
	if err := p.writeCombined(ctx, st, transcribeBundle, st.String(KeyOriginalTranscription), types.KindOriginal); err != nil {
		return Transition{}, err
	}
	return Transition{Next: StateDetectLanguage}, nil
}

func (p *Pipeline) detectLanguage(ctx context.Context, st *State) (Transition, error) {
	log := p.log(st, StateDetectLanguage)
	if st.Int(KeyTurnCount) == 0 {
		log.Info("No speech turns, skipping language detection")
		p.cleanupChunks(ctx, st)
		return Transition{Next: StateAnalytics}, nil
	}

	results, err := p.loadBundle(ctx, st, transcribeBundle)
	if err != nil {
		return Transition{}, err
	}
	list := make([]types.ChunkResult, 0, len(results))
	for _, r := range results {
		list = append(list, r)
	}

	var detected inference.DetectedLanguage
	var detector inference.LanguageDetector = inference.ChunkVote{Results: list}
	if p.Language != nil {
		detector = p.Language
	}
	text, err := p.Blobs.Get(ctx, outKey(st, st.String(KeyOriginalTranscription)))
	if err != nil {
		return Transition{}, fmt.Errorf("read transcript: %w", err)
	}
	detected, err = detector.DetectDominantLanguage(ctx, string(text))
	if err != nil {
		if jobs.IsTransient(err) {
			return Transition{}, err
		}
		log.WithError(err).Warn("Language detector failed, voting on chunk languages")
		detected = inference.VoteLanguage(list)
	}

	code := detected.Code
	name, ok := types.LanguageName(code)
	if !ok {
		name = code
	}
	st.Set(KeyLanguageCode, code)
	st.Set(KeyLanguage, name)
	log.WithFields(logrus.Fields{"language": code, "score": detected.Score}).Info("Dominant language detected")

	if types.NeedsTranslation(code) {
		return Transition{Next: StateTranslate}, nil
	}
	p.cleanupChunks(ctx, st)
	return Transition{Next: StateAnalytics}, nil
}

func (p *Pipeline) translate(ctx context.Context, st *State) (Transition, error) {
	h, err := p.Transcription.Submit(ctx, jobs.Request{
		Kind:         jobs.KindTranslation,
		InputKey:     st.String(KeyAudioChunks),
		OutputKey:    st.String(KeyTextChunks) + translateBundle,
		Task:         transcription.TaskTranslate,
		LanguageCode: st.String(KeyLanguageCode),
	})
	if err != nil {
		return Transition{}, err
	}
	st.Set(KeyTranslationJob, h.Encode())
	st.Set(KeyTranslationComplete, false)
	st.Set(KeyTranslationRetries, 0)
	p.log(st, StateTranslate).WithField("job", h.JobID).Info("Translation submitted")
	return Transition{Next: StateWaitTranslation, Delay: p.settings.Translation.Interval}, nil
}

func (p *Pipeline) waitTranslation(ctx context.Context, st *State) (Transition, error) {
	outcome, data, err := Poll(ctx, st, PollSpec{
		State:       StateWaitTranslation,
		Job:         p.Transcription,
		HandleKey:   KeyTranslationJob,
		CompleteKey: KeyTranslationComplete,
		RetryKey:    KeyTranslationRetries,
		MaxRetries:  p.settings.Translation.MaxRetries,
		OnExhausted: FailOnExhausted,
	})
	if err != nil {
		return Transition{}, err
	}
	if outcome == PollWaiting {
		return Transition{Next: StateWaitTranslation, Delay: p.settings.Translation.Interval}, nil
	}
	if err := p.storeBundle(ctx, st, KeyTranslationJob, translateBundle, data); err != nil {
		return Transition{}, err
	}
	return Transition{Next: StateCombineTranslation}, nil
}

func (p *Pipeline) combineTranslation(ctx context.Context, st *State) (Transition, error) {
	name := st.String(KeyInputFile) + ".translated.txt"
	if err := p.writeCombined(ctx, st, translateBundle, name, types.KindTranslated); err != nil {
		return Transition{}, err
	}
	st.Set(KeyTranslatedTranscription, name)
	p.cleanupChunks(ctx, st)
	return Transition{Next: StateAnalytics}, nil
}

// cleanupChunks removes the audio chunks once every job that reads them has
// finished. Failures only cost storage.
func (p *Pipeline) cleanupChunks(ctx context.Context, st *State) {
	prefix := st.String(KeyAudioChunks)
	if prefix == "" {
		return
	}
	n, err := storage.DeletePrefix(ctx, p.Blobs, prefix)
	log := p.log(st, "").WithField("prefix", prefix)
	if err != nil {
		log.WithError(err).Warn("Failed to delete audio chunks")
		return
	}
	log.WithField("deleted", n).Debug("Audio chunks deleted")
}

// transcriptKey is the transcript analytics and summaries read: the input
// itself for text, otherwise the translation when one exists.
func transcriptKey(st *State) string {
	if st.String(KeyContentType) == types.ContentTypeText {
		return st.String(KeyKey)
	}
	if name := st.String(KeyTranslatedTranscription); name != "" {
		return outKey(st, name)
	}
	return outKey(st, st.String(KeyOriginalTranscription))
}

// hasSpeech reports whether any transcript line carries text after its
// speaker prefix.
func hasSpeech(transcript string) bool {
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if _, text, found := strings.Cut(line, ":"); found {
			line = text
		}
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}

func (p *Pipeline) summarize(ctx context.Context, st *State) (Transition, error) {
	log := p.log(st, StateSummarize)
	raw, err := p.Blobs.Get(ctx, transcriptKey(st))
	if err != nil {
		return Transition{}, fmt.Errorf("read transcript: %w", err)
	}

	var b strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	transcript := b.String()

	skip := ""
	switch {
	case !hasSpeech(transcript):
		skip = "empty transcript"
	case p.Generator == nil:
		skip = "no text generator configured"
	}

	for _, prompt := range p.Prompts.Summary {
		key := summaryKey(prompt.Field)
		if st.Has(key) {
			continue
		}
		if skip != "" {
			st.Set(key, "")
			continue
		}
		answer, err := p.Generator.Generate(ctx, prompts.Render(prompt.Template, transcript, prompt.Question))
		if err != nil {
			if jobs.IsTransient(err) {
				return Transition{}, err
			}
			log.WithError(err).WithField("field", prompt.Field).Warn("Summary prompt failed")
			st.Set(key, "")
			continue
		}
		st.Set(key, prompts.CleanAnswer(answer, prompt.FirstClause))
	}
	if skip != "" {
		log.WithField("reason", skip).Info("Summaries skipped")
	} else {
		log.Info("Summaries generated")
	}
	return Transition{Next: StateStitchAndPersist}, nil
}

// fail runs once when an execution enters FAIL.
func (p *Pipeline) fail(ctx context.Context, st *State, cause error) {
	log := p.log(st, StateFail).WithError(cause)
	log.Error("Execution failed")

	if p.Records != nil {
		err := p.Records.CompleteUpload(ctx, st.String(KeyKey), st.String(KeyExecutionID), storage.UploadOutcome{
			Status:      types.StatusFailed,
			CompletedAt: p.Clock.Now(),
			Error:       cause.Error(),
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithField("record_error", err).Warn("Failed to record failure")
		}
	}
	if st.Has(KeyOutputPrefix) {
		artifact, sentiment, entities := artifactKeys(st)
		for _, key := range []string{artifact, sentiment, entities} {
			if err := p.Blobs.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				log.WithFields(logrus.Fields{"key": key, "delete_error": err}).Warn("Failed to delete partial artifact")
			}
		}
	}
}
