package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// ChunkInfo is the per-chunk entry of a transcription bundle.
type ChunkInfo struct {
	Text                string  `json:"text"`
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
}

// ChunkBundle is the gzip JSON document written by transcription jobs. Keys
// are "{prefix}{index}", e.g. "original_0" or "translated_3".
type ChunkBundle struct {
	TranscriptionInfo map[string]ChunkInfo `json:"transcription_info"`
	TranslationInfo   map[string]ChunkInfo `json:"translation_info"`
}

// NewChunkBundle builds a bundle from chunk results.
func NewChunkBundle(results []types.ChunkResult) *ChunkBundle {
	b := &ChunkBundle{
		TranscriptionInfo: map[string]ChunkInfo{},
		TranslationInfo:   map[string]ChunkInfo{},
	}
	for _, r := range results {
		info := ChunkInfo{Text: r.Text, Language: r.DetectedLanguage, LanguageProbability: r.LanguageConfidence}
		key := r.Kind.Prefix() + strconv.Itoa(r.Index)
		if r.Kind == types.KindTranslated {
			b.TranslationInfo[key] = info
		} else {
			b.TranscriptionInfo[key] = info
		}
	}
	return b
}

// EncodeChunkBundle writes a bundle as gzip compressed JSON.
func EncodeChunkBundle(b *ChunkBundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	return gzipBytes(raw)
}

// DecodeChunkBundle reads a bundle and returns its chunk results keyed by
// "{prefix}{index}". Entries with malformed keys are ignored.
func DecodeChunkBundle(data []byte) (map[string]types.ChunkResult, error) {
	raw, err := gunzipBytes(data)
	if err != nil {
		return nil, err
	}
	var b ChunkBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}

	results := make(map[string]types.ChunkResult, len(b.TranscriptionInfo)+len(b.TranslationInfo))
	collect := func(kind types.ChunkKind, infos map[string]ChunkInfo) {
		for key, info := range infos {
			idx, err := strconv.Atoi(strings.TrimPrefix(key, kind.Prefix()))
			if !strings.HasPrefix(key, kind.Prefix()) || err != nil {
				continue
			}
			results[key] = types.ChunkResult{
				Index:              idx,
				Text:               info.Text,
				DetectedLanguage:   info.Language,
				LanguageConfidence: info.LanguageProbability,
				Kind:               kind,
			}
		}
	}
	collect(types.KindOriginal, b.TranscriptionInfo)
	collect(types.KindTranslated, b.TranslationInfo)
	return results, nil
}

// EncodeAnnotations writes line annotations as gzip compressed JSON lines,
// ordered by line.
func EncodeAnnotations(lines []types.LineAnnotation) ([]byte, error) {
	sorted := append([]types.LineAnnotation(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Line < sorted[j].Line })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range sorted {
		if err := enc.Encode(l); err != nil {
			return nil, fmt.Errorf("failed to encode line %d: %w", l.Line, err)
		}
	}
	return gzipBytes(buf.Bytes())
}

// DecodeAnnotations reads gzip compressed JSON lines keyed by line number.
// A later record for the same line replaces an earlier one.
func DecodeAnnotations(data []byte) (map[int]types.LineAnnotation, error) {
	raw, err := gunzipBytes(data)
	if err != nil {
		return nil, err
	}

	out := map[int]types.LineAnnotation{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var l types.LineAnnotation
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			return nil, fmt.Errorf("failed to decode annotation: %w", err)
		}
		out[l.Line] = l
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}
	return out, nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return raw, nil
}
