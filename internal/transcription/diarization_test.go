package transcription

import (
	"errors"
	"testing"

	"github.com/codebuildervaibhav/call-insights/internal/types"
)

func line(start, end int64, speaker string) types.DiarizationLine {
	return types.DiarizationLine{StartMs: start, EndMs: end, SpeakerLabel: speaker}
}

func TestParseDiarization(t *testing.T) {
	data := []byte("[ 00:00:00.497 -->  00:00:01.345] A SPEAKER_00\n" +
		"\n" +
		"[ 00:00:01.400 -->  00:00:03.000] B SPEAKER_01\n")

	lines, err := ParseDiarization(data)
	if err != nil {
		t.Fatalf("ParseDiarization returned error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != line(497, 1345, "SPEAKER_00") {
		t.Fatalf("unexpected first line %#v", lines[0])
	}
	if lines[1] != line(1400, 3000, "SPEAKER_01") {
		t.Fatalf("unexpected second line %#v", lines[1])
	}
}

func TestParseDiarizationMissingTimecode(t *testing.T) {
	data := []byte("[ 00:00:00.497 -->  00:00:01.345] A SPEAKER_00\n[ 00:00:02.000 --> ] B SPEAKER_01\n")

	_, err := ParseDiarization(data)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Line != 2 {
		t.Fatalf("expected error on line 2, got %d", perr.Line)
	}
}

func TestParseDiarizationMissingSpeaker(t *testing.T) {
	_, err := ParseDiarization([]byte("[ 00:00:00.497 -->  00:00:01.345]"))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestParseDiarizationEmpty(t *testing.T) {
	lines, err := ParseDiarization(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %d", len(lines))
	}
	if turns := SegmentTurns(lines); len(turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(turns))
	}
}

func TestSegmentTurnsMergesSameSpeaker(t *testing.T) {
	turns := SegmentTurns([]types.DiarizationLine{
		line(0, 1000, "SPEAKER_00"),
		line(1000, 2000, "SPEAKER_00"),
		line(2500, 4000, "SPEAKER_00"),
	})
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	want := types.Turn{Index: 0, StartMs: 0, EndMs: 4000, SpeakerLabel: "SPEAKER_00"}
	if turns[0] != want {
		t.Fatalf("unexpected turn %#v", turns[0])
	}
}

func TestSegmentTurnsSpeakerChange(t *testing.T) {
	turns := SegmentTurns([]types.DiarizationLine{
		line(0, 1000, "SPEAKER_00"),
		line(1000, 2000, "SPEAKER_01"),
		line(2000, 3000, "SPEAKER_01"),
		line(3000, 4000, "SPEAKER_00"),
	})
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	labels := []string{"SPEAKER_00", "SPEAKER_01", "SPEAKER_00"}
	for i, turn := range turns {
		if turn.Index != i {
			t.Errorf("turn %d has index %d", i, turn.Index)
		}
		if turn.SpeakerLabel != labels[i] {
			t.Errorf("turn %d speaker %q, want %q", i, turn.SpeakerLabel, labels[i])
		}
	}
	if turns[1].StartMs != 1000 || turns[1].EndMs != 3000 {
		t.Fatalf("unexpected merged turn %#v", turns[1])
	}
}

func TestSegmentTurnsEngulfment(t *testing.T) {
	turns := SegmentTurns([]types.DiarizationLine{
		line(0, 5000, "X"),
		line(1000, 2000, "X"),
		line(2000, 3000, "X"),
	})
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d: %#v", len(turns), turns)
	}
	if turns[0].EndMs != 5000 {
		t.Fatalf("first turn should end at 5000, got %d", turns[0].EndMs)
	}
	if turns[1].StartMs != 1000 || turns[1].EndMs != 2000 {
		t.Fatalf("engulfed line should form its own turn, got %#v", turns[1])
	}
	if turns[2].StartMs != 2000 || turns[2].EndMs != 3000 {
		t.Fatalf("unexpected third turn %#v", turns[2])
	}
}

func TestSegmentTurnsEngulfedThenResumes(t *testing.T) {
	turns := SegmentTurns([]types.DiarizationLine{
		line(0, 5000, "X"),
		line(1000, 2000, "X"),
		line(5000, 6000, "X"),
		line(6000, 7000, "X"),
	})
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d: %#v", len(turns), turns)
	}
	if turns[1].StartMs != 1000 || turns[1].EndMs != 7000 {
		t.Fatalf("unexpected second turn %#v", turns[1])
	}
}

func TestSegmentTurnsInvariants(t *testing.T) {
	lines := []types.DiarizationLine{
		line(0, 1200, "SPEAKER_00"),
		line(800, 1000, "SPEAKER_00"),
		line(1200, 2400, "SPEAKER_01"),
		line(2400, 2600, "SPEAKER_01"),
		line(2000, 2100, "SPEAKER_01"),
		line(2600, 4000, "SPEAKER_00"),
	}
	turns := SegmentTurns(lines)
	if len(turns) > len(lines) {
		t.Fatalf("turn count %d exceeds line count %d", len(turns), len(lines))
	}
	for i, turn := range turns {
		if turn.Index != i {
			t.Fatalf("indices must be dense, turn %d has index %d", i, turn.Index)
		}
	}
}
