package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
)

// AsyncEndpoint talks to an asynchronous model endpoint. The endpoint reads
// its input from the shared blob store and writes its output to the key it
// is given; completion is observed by the output key appearing.
type AsyncEndpoint struct {
	baseURL string
	store   storage.BlobStore
	client  *http.Client
}

type invocationRequest struct {
	InputLocation  string `json:"input_location"`
	OutputLocation string `json:"output_location"`
	Task           string `json:"task,omitempty"`
	LanguageCode   string `json:"language_code,omitempty"`
}

type invocationResponse struct {
	InferenceID    string `json:"inference_id"`
	OutputLocation string `json:"output_location"`
}

// NewAsyncEndpoint creates a client for the endpoint at baseURL.
func NewAsyncEndpoint(baseURL string, store storage.BlobStore, client *http.Client) *AsyncEndpoint {
	return &AsyncEndpoint{baseURL: baseURL, store: store, client: newHTTPClient(client)}
}

// Submit posts an invocation and returns a handle on its output key.
func (e *AsyncEndpoint) Submit(ctx context.Context, req jobs.Request) (jobs.Handle, error) {
	body := invocationRequest{
		InputLocation:  req.InputKey,
		OutputLocation: req.OutputKey,
		Task:           req.Task,
		LanguageCode:   req.LanguageCode,
	}
	var resp invocationResponse
	if err := doJSON(ctx, e.client, http.MethodPost, joinURL(e.baseURL, "/invocations-async"), body, &resp); err != nil {
		return jobs.Handle{}, fmt.Errorf("submit %s job: %w", req.Kind, err)
	}

	out := resp.OutputLocation
	if out == "" {
		out = req.OutputKey
	}
	return jobs.Handle{Kind: req.Kind, JobID: resp.InferenceID, OutputKey: out}, nil
}

// TryFetch returns the job output once it has been written.
func (e *AsyncEndpoint) TryFetch(ctx context.Context, h jobs.Handle) ([]byte, error) {
	data, err := e.store.Get(ctx, h.OutputKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s output %s: %w", h.Kind, h.OutputKey, jobs.ErrNotReady)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s output: %w", h.Kind, err)
	}
	return data, nil
}
