package llm

import (
	"context"
	"errors"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	s settings
}

var _ TextGenerator = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI adapter. The API key defaults to OPENAI_API_KEY.
func NewOpenAI(model string, opts ...Option) *OpenAI {
	return &OpenAI{s: newSettings(model, "OPENAI_API_KEY", defaultOpenAIBaseURL, opts)}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends prompt as a single user message.
func (a *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	if err := a.s.validate(ProviderOpenAI); err != nil {
		return "", err
	}

	req := openAIRequest{
		Model:       a.s.Model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens:   a.s.MaxTokens,
		Temperature: a.s.Temperature,
	}
	var resp openAIResponse
	url := strings.TrimRight(a.s.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + a.s.APIKey}
	if err := post(ctx, a.s, ProviderOpenAI, url, headers, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response choices")
	}
	return resp.Choices[0].Message.Content, nil
}
