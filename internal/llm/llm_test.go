package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
)

func TestOpenAIGenerate(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Billing issue"}}]}`))
	}))
	defer srv.Close()

	gen := NewOpenAI("gpt-test", WithAPIKey("sk-test"), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithMaxTokens(64))
	answer, err := gen.Generate(context.Background(), "What is the topic?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "Billing issue" {
		t.Fatalf("unexpected answer %q", answer)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 64 || got.Temperature != 0 || got.Messages[0].Content != "What is the topic?" {
		t.Fatalf("unexpected request %#v", got)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens != defaultMaxTokens {
			http.Error(w, "max tokens", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Yes"},{"type":"text","text":", resolved"}]}`))
	}))
	defer srv.Close()

	gen := NewAnthropic("claude-test", WithAPIKey("key"), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	answer, err := gen.Generate(context.Background(), "Resolved?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "Yes, resolved" {
		t.Fatalf("unexpected answer %q", answer)
	}
}

func TestRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	gen := NewAnthropic("claude-test", WithAPIKey("key"), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := gen.Generate(context.Background(), "hi")
	if !jobs.IsTransient(err) || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected transient rate limit error, got %v", err)
	}
}

func TestBadRequestIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	gen := NewOpenAI("m", WithAPIKey("k"), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if _, err := gen.Generate(context.Background(), "hi"); err == nil || jobs.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestValidateAndFactory(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAI("m").Generate(context.Background(), "x"); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := New("bedrock", "m"); err == nil {
		t.Fatal("expected unknown provider error")
	}
	gen, err := New("Anthropic", "m", WithAPIKey("k"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := gen.(*Anthropic); !ok {
		t.Fatalf("expected *Anthropic, got %T", gen)
	}
}
