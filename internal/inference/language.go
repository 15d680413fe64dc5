package inference

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// DetectedLanguage is a candidate language with its confidence.
type DetectedLanguage struct {
	Code  string  `json:"code"`
	Score float64 `json:"score"`
}

// LanguageDetector finds the dominant language of a text.
type LanguageDetector interface {
	DetectDominantLanguage(ctx context.Context, text string) (DetectedLanguage, error)
}

// LanguageService is a LanguageDetector backed by an HTTP service.
type LanguageService struct {
	baseURL string
	client  *http.Client
}

// NewLanguageService creates a detector for the service at baseURL.
func NewLanguageService(baseURL string, client *http.Client) *LanguageService {
	return &LanguageService{baseURL: baseURL, client: newHTTPClient(client)}
}

type detectRequest struct {
	Text string `json:"text"`
}

type detectResponse struct {
	Languages []DetectedLanguage `json:"languages"`
}

// DetectDominantLanguage returns the highest scoring language.
func (s *LanguageService) DetectDominantLanguage(ctx context.Context, text string) (DetectedLanguage, error) {
	var resp detectResponse
	if err := doJSON(ctx, s.client, http.MethodPost, joinURL(s.baseURL, "/detect"), detectRequest{Text: text}, &resp); err != nil {
		return DetectedLanguage{}, fmt.Errorf("detect language: %w", err)
	}
	if len(resp.Languages) == 0 {
		return DetectedLanguage{}, fmt.Errorf("detect language: no candidates returned")
	}
	best := resp.Languages[0]
	for _, l := range resp.Languages[1:] {
		if l.Score > best.Score {
			best = l
		}
	}
	best.Code = strings.ToLower(best.Code)
	return best, nil
}

// ChunkVote is a LanguageDetector that needs no service: it weighs the
// languages the transcriber reported per chunk by their confidence and
// text length. The text argument is ignored.
type ChunkVote struct {
	Results []types.ChunkResult
}

// DetectDominantLanguage implements LanguageDetector.
func (v ChunkVote) DetectDominantLanguage(_ context.Context, _ string) (DetectedLanguage, error) {
	return VoteLanguage(v.Results), nil
}

// VoteLanguage picks the dominant language from chunk results. Ties break on
// the language code so the outcome is deterministic. No usable results
// yields the original marker.
func VoteLanguage(results []types.ChunkResult) DetectedLanguage {
	weights := map[string]float64{}
	var total float64
	for _, r := range results {
		code := strings.ToLower(strings.TrimSpace(r.DetectedLanguage))
		text := strings.TrimSpace(r.Text)
		if code == "" || text == "" {
			continue
		}
		w := r.LanguageConfidence
		if w <= 0 {
			w = 0.01
		}
		w *= float64(len(text))
		weights[code] += w
		total += w
	}
	if total == 0 {
		return DetectedLanguage{Code: types.LanguageOriginal}
	}

	codes := make([]string, 0, len(weights))
	for c := range weights {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	best := codes[0]
	for _, c := range codes[1:] {
		if weights[c] > weights[best] {
			best = c
		}
	}
	return DetectedLanguage{Code: best, Score: weights[best] / total}
}
