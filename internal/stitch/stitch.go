// Package stitch joins the per-turn outputs of a pipeline execution back into
// one annotated transcript. Every join is positional: turn i, chunk i,
// transcript line i and annotation line i describe the same utterance.
package stitch

import (
	"strconv"
	"strings"

	"github.com/codebuildervaibhav/call-insights/internal/timecode"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

var controlStripper = strings.NewReplacer("!", "", "\n", "", "\r", "")

// CleanText removes the characters the transcript format reserves and trims
// surrounding space.
func CleanText(s string) string {
	return strings.TrimSpace(controlStripper.Replace(s))
}

// CombineTranscription renders one "Role:text" line per turn from chunk
// results of the given kind. Unknown speaker labels keep the raw label and
// missing results yield an empty text, so line i always belongs to turn i.
func CombineTranscription(turns []types.Turn, results map[string]types.ChunkResult, kind types.ChunkKind) []string {
	lines := make([]string, len(turns))
	for i, turn := range turns {
		speaker := turn.SpeakerLabel
		if role, ok := turn.Role(); ok {
			speaker = string(role)
		}
		text := ""
		if r, ok := results[kind.Prefix()+strconv.Itoa(turn.Index)]; ok {
			text = CleanText(r.Text)
		}
		lines[i] = speaker + ":" + text
	}
	return lines
}

// Input is everything the stitcher needs for one execution.
type Input struct {
	Source       types.SourceInformation
	Summary      types.CallSummary
	LanguageCode string
	Language     string

	// Audio input
	TurnIndex  *types.TurnIndex
	Original   map[string]types.ChunkResult
	Translated map[string]types.ChunkResult

	// Text input
	TextLines []string

	Sentiment map[int]types.LineAnnotation
	Entities  map[int]types.LineAnnotation
}

// Result is the stitched artifact plus the annotation lines that were
// attached to emitted segments.
type Result struct {
	Transcript     types.AnnotatedTranscript
	SentimentLines []types.LineAnnotation
	EntityLines    []types.LineAnnotation
	// SkippedTurns lists turns whose speaker label has no role.
	SkippedTurns []int
}

// translated reports whether the input carries a translation.
func (in *Input) translated() bool {
	return len(in.Translated) > 0
}

// Build stitches the transcript. Audio input is driven by the turn index,
// text input by its lines.
func Build(in Input) *Result {
	res := &Result{
		SentimentLines: []types.LineAnnotation{},
		EntityLines:    []types.LineAnnotation{},
	}
	t := &res.Transcript
	t.SpeechSegments = []types.SpeechSegment{}

	if in.TurnIndex != nil {
		buildAudio(in, res)
	} else {
		buildText(in, res)
	}

	t.ConversationAnalytics = types.ConversationAnalytics{
		SourceInformation: in.Source,
		Summary:           in.Summary,
		Language:          in.Language,
		LanguageCode:      in.LanguageCode,
		CustomEntities:    CustomEntities(res.EntityLines),
	}
	if in.TurnIndex != nil {
		t.ConversationAnalytics.SpeakerTime = speakerTime(in.TurnIndex, t.SpeechSegments)
	}
	return res
}

func buildAudio(in Input, res *Result) {
	turns := in.TurnIndex.Turns
	t := &res.Transcript
	t.RawTranscript = CombineTranscription(turns, in.Original, types.KindOriginal)
	if in.translated() {
		t.TranslatedTranscript = CombineTranscription(turns, in.Translated, types.KindTranslated)
	}

	for i, turn := range turns {
		role, ok := turn.Role()
		if !ok {
			res.SkippedTurns = append(res.SkippedTurns, i)
			continue
		}
		text := lookupText(in.Original, types.KindOriginal, turn.Index)
		seg := types.SpeechSegment{
			Line:                 i,
			RawText:              string(role) + ":" + text,
			SegmentSpeaker:       string(role),
			DisplayText:          text,
			SegmentStartTimeText: timecode.Format(turn.StartMs),
			SegmentEndTimeText:   timecode.Format(turn.EndMs),
			SegmentStartTime:     timecode.Seconds(turn.StartMs),
			SegmentEndTime:       timecode.Seconds(turn.EndMs),
			SegmentDuration:      timecode.Seconds(turn.DurationMs()),
		}
		if in.translated() {
			tt := lookupText(in.Translated, types.KindTranslated, turn.Index)
			seg.RawTranslatedText = string(role) + ":" + tt
			seg.TranslatedText = tt
		}
		annotate(&seg, in, res)
		t.SpeechSegments = append(t.SpeechSegments, seg)
	}
}

func buildText(in Input, res *Result) {
	t := &res.Transcript
	t.RawTranscript = make([]string, 0, len(in.TextLines))
	for i, line := range in.TextLines {
		raw := strings.TrimSpace(line)
		t.RawTranscript = append(t.RawTranscript, raw)
		if raw == "" {
			continue
		}
		speaker, text, found := strings.Cut(raw, ":")
		if !found {
			speaker, text = "", raw
		}
		seg := types.SpeechSegment{
			Line:           i,
			RawText:        raw,
			SegmentSpeaker: strings.TrimSpace(speaker),
			DisplayText:    strings.TrimSpace(text),
		}
		annotate(&seg, in, res)
		t.SpeechSegments = append(t.SpeechSegments, seg)
	}
}

func lookupText(results map[string]types.ChunkResult, kind types.ChunkKind, index int) string {
	if r, ok := results[kind.Prefix()+strconv.Itoa(index)]; ok {
		return CleanText(r.Text)
	}
	return ""
}

func annotate(seg *types.SpeechSegment, in Input, res *Result) {
	if a, ok := in.Sentiment[seg.Line]; ok && a.Sentiment != "" {
		label := a.Sentiment
		seg.BaseSentiment = &label
		seg.BaseSentimentScores = a.SentimentScore
		res.SentimentLines = append(res.SentimentLines, a)
	}
	seg.EntitiesDetected = []types.Entity{}
	if a, ok := in.Entities[seg.Line]; ok && len(a.Entities) > 0 {
		seg.EntitiesDetected = a.Entities
		res.EntityLines = append(res.EntityLines, a)
	}
}

// speakerTime totals talk time per role. Total covers the whole recording:
// the audio length, the last segment end, or the summed talk time when
// overlapping speech makes that larger.
func speakerTime(idx *types.TurnIndex, segments []types.SpeechSegment) *types.SpeakerTime {
	var agent, customer, maxEnd float64
	for _, seg := range segments {
		switch types.Role(seg.SegmentSpeaker) {
		case types.RoleAgent:
			agent += seg.SegmentDuration
		case types.RoleCustomer:
			customer += seg.SegmentDuration
		}
		if seg.SegmentEndTime > maxEnd {
			maxEnd = seg.SegmentEndTime
		}
	}
	total := timecode.Seconds(idx.AudioDurationMs)
	if maxEnd > total {
		total = maxEnd
	}
	if agent+customer > total {
		total = agent + customer
	}
	return &types.SpeakerTime{
		Agent:    types.SpeakerTotal{TotalTimeSecs: agent},
		Customer: types.SpeakerTotal{TotalTimeSecs: customer},
		Total:    types.SpeakerTotal{TotalTimeSecs: total},
	}
}

// CustomEntities groups entity values by type in first-seen order.
func CustomEntities(lines []types.LineAnnotation) []types.CustomEntity {
	out := []types.CustomEntity{}
	pos := map[string]int{}
	for _, l := range lines {
		for _, e := range l.Entities {
			i, ok := pos[e.Type]
			if !ok {
				i = len(out)
				pos[e.Type] = i
				out = append(out, types.CustomEntity{Name: e.Type, Values: []string{}})
			}
			out[i].Values = append(out[i].Values, e.Text)
			out[i].Instances++
		}
	}
	return out
}
