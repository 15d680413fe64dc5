// Package llm provides the synchronous text-generation collaborator used for
// call summaries and local line analytics.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	defaultMaxTokens   = 256
)

// Providers
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// TextGenerator returns a completion for a single prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type settings struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
}

// Option configures an adapter.
type Option func(*settings)

// WithAPIKey sets the API key used by the adapter.
func WithAPIKey(apiKey string) Option {
	return func(s *settings) {
		if strings.TrimSpace(apiKey) == "" {
			return
		}
		s.APIKey = strings.TrimSpace(apiKey)
	}
}

// WithBaseURL sets the API base URL used by the adapter.
func WithBaseURL(baseURL string) Option {
	return func(s *settings) {
		if strings.TrimSpace(baseURL) == "" {
			return
		}
		s.BaseURL = strings.TrimSpace(baseURL)
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.MaxTokens = n
		}
	}
}

// WithHTTPClient sets the HTTP client used by the adapter.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		if client != nil {
			s.HTTPClient = client
		}
	}
}

// WithTimeout sets the timeout on the adapter HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout <= 0 {
			return
		}
		if s.HTTPClient == nil {
			s.HTTPClient = &http.Client{}
		}
		s.HTTPClient.Timeout = timeout
	}
}

func newSettings(model, envKey, baseURL string, opts []Option) settings {
	s := settings{
		APIKey:     strings.TrimSpace(os.Getenv(envKey)),
		Model:      strings.TrimSpace(model),
		BaseURL:    baseURL,
		MaxTokens:  defaultMaxTokens,
		HTTPClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func (s settings) validate(provider string) error {
	if s.APIKey == "" {
		return fmt.Errorf("%s: API key is required", provider)
	}
	if s.Model == "" {
		return fmt.Errorf("%s: model is required", provider)
	}
	return nil
}

// New builds the adapter for provider.
func New(provider, model string, opts ...Option) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderOpenAI, "":
		return NewOpenAI(model, opts...), nil
	case ProviderAnthropic:
		return NewAnthropic(model, opts...), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", provider)
}

// post sends a JSON request and decodes the JSON response into out.
func post(ctx context.Context, s settings, provider, url string, headers map[string]string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(provider, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

func decodeAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	text := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		text = envelope.Error.Message
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}

	err := fmt.Errorf("%s: API status %d: %s", provider, resp.StatusCode, text)
	if jobs.RetryableStatus(resp.StatusCode) {
		return jobs.Transient(err)
	}
	return err
}
