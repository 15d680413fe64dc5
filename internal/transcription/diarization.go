package transcription

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/codebuildervaibhav/call-insights/internal/timecode"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// ParseError reports a diarization line that cannot be read.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("diarization line %d %q: %s", e.Line, e.Text, e.Reason)
}

// ParseDiarization reads raw diarization output, one speech segment per line,
// e.g. "[ 00:00:00.497 -->  00:00:01.345] A SPEAKER_00". The speaker is the
// last whitespace separated token. Blank lines are skipped.
func ParseDiarization(data []byte) ([]types.DiarizationLine, error) {
	var lines []types.DiarizationLine

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		line, err := ParseDiarizationLine(raw)
		if err != nil {
			return nil, &ParseError{Line: n, Text: raw, Reason: err.Error()}
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read diarization output: %w", err)
	}

	return lines, nil
}

// ParseDiarizationLine parses a single non-blank diarization line.
func ParseDiarizationLine(raw string) (types.DiarizationLine, error) {
	codes := timecode.FindAll(raw)
	if len(codes) < 2 {
		return types.DiarizationLine{}, fmt.Errorf("expected two timecodes, found %d", len(codes))
	}

	fields := strings.Fields(raw)
	speaker := fields[len(fields)-1]
	if strings.Contains(speaker, ":") || strings.HasSuffix(speaker, "]") {
		return types.DiarizationLine{}, fmt.Errorf("missing speaker label")
	}

	start, err := timecode.Parse(codes[0])
	if err != nil {
		return types.DiarizationLine{}, err
	}
	end, err := timecode.Parse(codes[1])
	if err != nil {
		return types.DiarizationLine{}, err
	}

	return types.DiarizationLine{StartMs: start, EndMs: end, SpeakerLabel: speaker}, nil
}

// SegmentTurns groups diarization lines into speaker turns.
//
// A group closes when the speaker changes, or when a line is engulfed by a
// segment seen earlier (it ends before the latest end seen so far). The
// engulfed line then opens the next group. lastEnd only advances for lines
// that are appended to an open group or open one on a speaker change.
func SegmentTurns(lines []types.DiarizationLine) []types.Turn {
	var (
		turns   []types.Turn
		group   []types.DiarizationLine
		lastEnd int64
	)

	flush := func() {
		if len(group) == 0 {
			return
		}
		turns = append(turns, types.Turn{
			Index:        len(turns),
			StartMs:      group[0].StartMs,
			EndMs:        group[len(group)-1].EndMs,
			SpeakerLabel: group[0].SpeakerLabel,
		})
		group = nil
	}

	for _, d := range lines {
		switch {
		case len(group) > 0 && d.SpeakerLabel != group[0].SpeakerLabel:
			flush()
			group = append(group, d)
			if d.EndMs > lastEnd {
				lastEnd = d.EndMs
			}
		case lastEnd > d.EndMs:
			flush()
			group = append(group, d)
		default:
			group = append(group, d)
			lastEnd = d.EndMs
		}
	}
	flush()

	return turns
}
