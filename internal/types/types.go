package types

import "time"

// Execution status constants
const (
	StatusRunning   = "RUNNING"
	StatusWaiting   = "WAITING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Content type constants accepted by the pipeline
const (
	ContentTypeMP3  = "audio/mp3"
	ContentTypeMPEG = "audio/mpeg"
	ContentTypeWAV  = "audio/wav"
	ContentTypeText = "text/plain"
)

// Chunk result kinds
const (
	KindOriginal   ChunkKind = "original"
	KindTranslated ChunkKind = "translated"
)

// LanguageOriginal marks a transcript whose language has not been detected yet.
const LanguageOriginal = "original"

// DiarizationLine is one line of raw diarization output.
type DiarizationLine struct {
	StartMs      int64
	EndMs        int64
	SpeakerLabel string
}

// Turn is a contiguous run of diarization lines attributed to one speaker.
// Index is the join key shared by chunks, chunk results and line annotations.
type Turn struct {
	Index        int    `json:"index"`
	StartMs      int64  `json:"start_ms"`
	EndMs        int64  `json:"end_ms"`
	SpeakerLabel string `json:"speaker_label"`
}

// DurationMs returns the length of the turn.
func (t Turn) DurationMs() int64 {
	return t.EndMs - t.StartMs
}

// Role resolves the turn's speaker label.
func (t Turn) Role() (Role, bool) {
	return RoleFor(t.SpeakerLabel)
}

// TurnIndex is the artifact persisted next to the audio chunks.
type TurnIndex struct {
	AudioDurationMs int64  `json:"audio_duration_ms"`
	Turns           []Turn `json:"turns"`
}

// AudioChunk is one exported audio slice for a turn.
type AudioChunk struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
	Size  int    `json:"size"`
}

// ChunkKind distinguishes original transcripts from translations.
type ChunkKind string

// Prefix returns the key prefix used in chunk result bundles.
func (k ChunkKind) Prefix() string {
	return string(k) + "_"
}

// ChunkResult is the transcription or translation of a single chunk.
type ChunkResult struct {
	Index              int       `json:"index"`
	Text               string    `json:"text"`
	DetectedLanguage   string    `json:"language"`
	LanguageConfidence float64   `json:"language_probability"`
	Kind               ChunkKind `json:"kind"`
}

// SentimentScore holds per-class sentiment confidences.
type SentimentScore struct {
	Positive float64 `json:"Positive"`
	Negative float64 `json:"Negative"`
	Neutral  float64 `json:"Neutral"`
	Mixed    float64 `json:"Mixed"`
}

// Entity is a single detected entity on a transcript line.
type Entity struct {
	Type        string  `json:"Type"`
	Text        string  `json:"Text"`
	Score       float64 `json:"Score"`
	BeginOffset int     `json:"BeginOffset"`
	EndOffset   int     `json:"EndOffset"`
}

// LineAnnotation is a per-line sentiment or entity record.
type LineAnnotation struct {
	Line           int             `json:"Line"`
	Sentiment      string          `json:"Sentiment,omitempty"`
	SentimentScore *SentimentScore `json:"SentimentScore,omitempty"`
	Entities       []Entity        `json:"Entities,omitempty"`
}

// SpeechSegment is one entry of the annotated transcript.
type SpeechSegment struct {
	Line                 int             `json:"Line"`
	RawText              string          `json:"RawText"`
	SegmentSpeaker       string          `json:"SegmentSpeaker"`
	DisplayText          string          `json:"DisplayText"`
	SegmentStartTimeText string          `json:"SegmentStartTimeText,omitempty"`
	SegmentEndTimeText   string          `json:"SegmentEndTimeText,omitempty"`
	SegmentStartTime     float64         `json:"SegmentStartTime"`
	SegmentEndTime       float64         `json:"SegmentEndTime"`
	SegmentDuration      float64         `json:"SegmentDuration"`
	BaseSentiment        *string         `json:"BaseSentiment"`
	BaseSentimentScores  *SentimentScore `json:"BaseSentimentScores"`
	EntitiesDetected     []Entity        `json:"EntitiesDetected"`
	RawTranslatedText    string          `json:"RawTranslatedText,omitempty"`
	TranslatedText       string          `json:"TranslatedText,omitempty"`
}

// TranscribeJobInfo describes the execution that produced an artifact.
type TranscribeJobInfo struct {
	LastModified         string    `json:"LastModified"`
	ContentType          string    `json:"ContentType"`
	ContentLength        int64     `json:"ContentLength"`
	ExecutionID          string    `json:"ExecutionArn"`
	ExecutionStartedAt   time.Time `json:"ExecutionStartedAt"`
	ExecutionCompletedAt time.Time `json:"ExecutionCompletedAt"`
}

// SourceInformation identifies the input object.
type SourceInformation struct {
	Key               string             `json:"Key"`
	Bucket            string             `json:"Bucket"`
	TranscribeJobInfo *TranscribeJobInfo `json:"TranscribeJobInfo,omitempty"`
}

// CallSummary holds the generated call-level answers.
type CallSummary struct {
	Summary           string `json:"Summary"`
	Actions           string `json:"Actions"`
	Topic             string `json:"Topic"`
	Product           string `json:"Product"`
	Resolved          string `json:"Resolved"`
	Callback          string `json:"Callback"`
	Politeness        string `json:"Politeness"`
	AgentSentiment    string `json:"AgentSentiment"`
	CustomerSentiment string `json:"CustomerSentiment"`
}

// SpeakerTotal is the talk time of one speaker.
type SpeakerTotal struct {
	TotalTimeSecs float64 `json:"TotalTimeSecs"`
}

// SpeakerTime aggregates talk time per role.
type SpeakerTime struct {
	Agent    SpeakerTotal `json:"Agent"`
	Customer SpeakerTotal `json:"Customer"`
	Total    SpeakerTotal `json:"Total"`
}

// CustomEntity groups every detected value of one entity type.
type CustomEntity struct {
	Name      string   `json:"Name"`
	Values    []string `json:"Values"`
	Instances int      `json:"Instances"`
}

// ConversationAnalytics holds the call-level analytics.
type ConversationAnalytics struct {
	SourceInformation SourceInformation `json:"SourceInformation"`
	Summary           CallSummary       `json:"Summary"`
	Language          string            `json:"Language"`
	LanguageCode      string            `json:"LanguageCode"`
	SpeakerTime       *SpeakerTime      `json:"SpeakerTime,omitempty"`
	CustomEntities    []CustomEntity    `json:"CustomEntities"`
}

// AnnotatedTranscript is the final artifact of a pipeline execution.
type AnnotatedTranscript struct {
	RawTranscript         []string              `json:"RawTranscript"`
	TranslatedTranscript  []string              `json:"TranslatedTranscript,omitempty"`
	SpeechSegments        []SpeechSegment       `json:"SpeechSegments"`
	ConversationAnalytics ConversationAnalytics `json:"ConversationAnalytics"`
}
