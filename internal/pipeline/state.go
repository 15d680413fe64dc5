package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// State keys. Keys written by one stage and read by later ones; anything
// else in the bag is carried through untouched.
const (
	KeyBucket                  = "bucket"
	KeyKey                     = "key"
	KeyExecutionID             = "execution_id"
	KeyContentType             = "content_type"
	KeyInputFile               = "input_file"
	KeyOutputPrefix            = "output_s3_key"
	KeyAudioWavFile            = "audio_wav_file"
	KeyDiarizationFile         = "diarization_file"
	KeyAudioChunks             = "audio_chunks_s3_key"
	KeyTextChunks              = "txt_chunks_s3_key"
	KeyGroups                  = "groups"
	KeyOutputFile              = "output_file"
	KeyOriginalTranscription   = "original_transcription_file"
	KeyTranslatedTranscription = "translated_transcription_file"
	KeyTurnCount               = "turn_count"
	KeyLanguageCode            = "dominant_language_code"
	KeyLanguage                = "dominant_language"

	KeyDiarizationComplete = "diarization_complete"
	KeyDiarizationRetries  = "diarization_retry_count"
	KeyDiarizationJob      = "diarization_job"
	KeyDiarizationFellBack = "diarization_fallback"

	KeyTranscriptionComplete = "transcription_complete"
	KeyTranscriptionRetries  = "transcription_retries"
	KeyTranscriptionJob      = "transcription_job"

	KeyTranslationComplete = "translation_complete"
	KeyTranslationRetries  = "translation_retries"
	KeyTranslationJob      = "translation_job"

	KeySentimentJob      = "sentiment_job"
	KeySentimentComplete = "sentiment_complete"
	KeySentimentRetries  = "sentiment_retries"
	KeySentimentNextPoll = "sentiment_next_poll_at"
	KeySentimentOutput   = "sentiment_job_output_file"

	KeyEntitiesJob      = "entities_job"
	KeyEntitiesComplete = "entities_complete"
	KeyEntitiesRetries  = "entities_retries"
	KeyEntitiesNextPoll = "entities_next_poll_at"
	KeyEntitiesOutput   = "entities_job_output_file"

	KeyProcessedFile = "processed_file"
	KeyDriveLink     = "drive_link"
	KeyError         = "error"
)

// summaryKey is where the answer for a summary field is kept.
func summaryKey(field string) string {
	return "summary_" + field
}

// retryKey counts transient failures of a state.
func retryKey(state StateName) string {
	return "retry_" + string(state)
}

// State is the flat key-value bag threaded through an execution. It is safe
// for concurrent use; the parallel analytics branches write disjoint keys.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState creates a state holding initial.
func NewState(initial map[string]any) *State {
	s := &State{values: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// Set stores a value.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// SetDefault stores value unless key is already present.
func (s *State) SetDefault(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		s.values[key] = value
	}
}

// Delete removes a key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Get returns the raw value for key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// String returns the value as a string, or "" when absent.
func (s *State) String(key string) string {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value as an int. Numbers decoded from JSON arrive as
// float64 and are accepted.
func (s *State) Int(key string) int {
	v, _ := s.Get(key)
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

// Bool returns the value as a bool.
func (s *State) Bool(key string) bool {
	v, _ := s.Get(key)
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// SetTime stores t in RFC 3339 form.
func (s *State) SetTime(key string, t time.Time) {
	s.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// Time returns a time stored with SetTime, or the zero time.
func (s *State) Time(key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s.String(key))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Snapshot returns a copy of the bag.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	values := map[string]any{}
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = values
	return nil
}
