package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// ChunkPlanner slices a WAV recording into one chunk per turn and stores the
// chunks together with the turn-index artifact.
type ChunkPlanner struct {
	store   storage.BlobStore
	workDir string
	log     logrus.FieldLogger
}

// ChunkPlan is the result of planning and exporting chunks.
type ChunkPlan struct {
	TurnIndex types.TurnIndex
	Chunks    []types.AudioChunk
}

// NewChunkPlanner creates a new chunk planner
func NewChunkPlanner(store storage.BlobStore, workDir string, log logrus.FieldLogger) *ChunkPlanner {
	return &ChunkPlanner{
		store:   store,
		workDir: workDir,
		log:     log,
	}
}

// ChunkKey returns the blob key of the chunk for a turn.
func ChunkKey(chunkPrefix string, index int) string {
	return chunkPrefix + strconv.Itoa(index) + ".wav"
}

// Plan exports [start, end) of every turn from audio as an independent WAV
// chunk under chunkPrefix and writes the turn index to turnIndexKey. Ranges
// past the end of the audio are clamped, so a chunk may be shorter than its
// turn or empty.
func (p *ChunkPlanner) Plan(ctx context.Context, audio []byte, turns []types.Turn, chunkPrefix, turnIndexKey string) (*ChunkPlan, error) {
	streamer, format, err := wav.Decode(bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	defer streamer.Close()

	total := streamer.Len()
	plan := &ChunkPlan{
		TurnIndex: types.TurnIndex{
			AudioDurationMs: format.SampleRate.D(total).Milliseconds(),
			Turns:           turns,
		},
	}

	for _, turn := range turns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := clampSamples(format.SampleRate.N(time.Duration(turn.StartMs)*time.Millisecond), total)
		end := clampSamples(format.SampleRate.N(time.Duration(turn.EndMs)*time.Millisecond), total)
		if end < start {
			end = start
		}
		if turn.EndMs > plan.TurnIndex.AudioDurationMs {
			p.log.WithFields(logrus.Fields{
				"turn":        turn.Index,
				"turn_end_ms": turn.EndMs,
				"audio_ms":    plan.TurnIndex.AudioDurationMs,
			}).Warn("Turn extends past the end of the audio, clamping chunk")
		}

		data, err := p.export(streamer, format, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to export chunk %d: %w", turn.Index, err)
		}

		key := ChunkKey(chunkPrefix, turn.Index)
		if err := p.store.Put(ctx, key, data, types.ContentTypeWAV); err != nil {
			return nil, fmt.Errorf("failed to store chunk %d: %w", turn.Index, err)
		}
		plan.Chunks = append(plan.Chunks, types.AudioChunk{Index: turn.Index, Key: key, Size: len(data)})
	}

	raw, err := json.Marshal(plan.TurnIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn index: %w", err)
	}
	if err := p.store.Put(ctx, turnIndexKey, raw, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to store turn index: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"chunks":   len(plan.Chunks),
		"audio_ms": plan.TurnIndex.AudioDurationMs,
	}).Info("Audio chunked")
	return plan, nil
}

// export encodes samples [start, end) as a standalone WAV file
func (p *ChunkPlanner) export(streamer beep.StreamSeekCloser, format beep.Format, start, end int) ([]byte, error) {
	if err := streamer.Seek(start); err != nil {
		return nil, err
	}

	// wav.Encode needs a WriteSeeker to patch the header
	tmp, err := os.CreateTemp(p.workDir, "chunk-*.wav")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := wav.Encode(tmp, beep.Take(end-start, streamer), format); err != nil {
		return nil, err
	}
	return os.ReadFile(tmp.Name())
}

// LoadTurnIndex reads a turn-index artifact.
func LoadTurnIndex(ctx context.Context, store storage.BlobStore, key string) (*types.TurnIndex, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var idx types.TurnIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("failed to decode turn index %s: %w", key, err)
	}
	return &idx, nil
}

func clampSamples(n, total int) int {
	if n < 0 {
		return 0
	}
	if n > total {
		return total
	}
	return n
}
