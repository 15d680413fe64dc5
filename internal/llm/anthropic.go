package llm

import (
	"context"
	"errors"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// Anthropic talks to the Anthropic messages API.
type Anthropic struct {
	s settings
}

var _ TextGenerator = (*Anthropic)(nil)

// NewAnthropic creates an Anthropic adapter. The API key defaults to
// ANTHROPIC_API_KEY.
func NewAnthropic(model string, opts ...Option) *Anthropic {
	return &Anthropic{s: newSettings(model, "ANTHROPIC_API_KEY", defaultAnthropicBaseURL, opts)}
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

// Generate sends prompt as a single user message and joins the text blocks
// of the reply.
func (a *Anthropic) Generate(ctx context.Context, prompt string) (string, error) {
	if err := a.s.validate(ProviderAnthropic); err != nil {
		return "", err
	}

	req := anthropicRequest{
		Model:       a.s.Model,
		Messages:    []anthropicMessage{{Role: "user", Content: []anthropicContent{{Type: "text", Text: prompt}}}},
		MaxTokens:   a.s.MaxTokens,
		Temperature: a.s.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         a.s.APIKey,
		"anthropic-version": anthropicVersion,
	}
	var resp anthropicResponse
	url := strings.TrimRight(a.s.BaseURL, "/") + "/messages"
	if err := post(ctx, a.s, ProviderAnthropic, url, headers, req, &resp); err != nil {
		return "", err
	}

	var parts []string
	for _, c := range resp.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("anthropic: response has no text content")
	}
	return strings.Join(parts, ""), nil
}
