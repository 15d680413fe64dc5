package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
)

// Analytics job statuses reported by the service.
const (
	JobSubmitted  = "SUBMITTED"
	JobInProgress = "IN_PROGRESS"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

// AnalyticsService runs batch sentiment and entity detection. Jobs are
// started over HTTP and polled by id; results land in the blob store as
// gzip JSON lines of line annotations.
type AnalyticsService struct {
	baseURL string
	store   storage.BlobStore
	client  *http.Client
}

type analyticsJobRequest struct {
	Type         string `json:"type"`
	InputKey     string `json:"input_key"`
	OutputKey    string `json:"output_key"`
	LanguageCode string `json:"language_code"`
}

type analyticsJobStatus struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputKey string `json:"output_key"`
	Message   string `json:"message"`
}

// NewAnalyticsService creates a client for the analytics service at baseURL.
func NewAnalyticsService(baseURL string, store storage.BlobStore, client *http.Client) *AnalyticsService {
	return &AnalyticsService{baseURL: baseURL, store: store, client: newHTTPClient(client)}
}

// Submit starts a sentiment or entities job.
func (s *AnalyticsService) Submit(ctx context.Context, req jobs.Request) (jobs.Handle, error) {
	if req.Kind != jobs.KindSentiment && req.Kind != jobs.KindEntities {
		return jobs.Handle{}, fmt.Errorf("analytics service cannot run %s jobs", req.Kind)
	}
	body := analyticsJobRequest{
		Type:         string(req.Kind),
		InputKey:     req.InputKey,
		OutputKey:    req.OutputKey,
		LanguageCode: req.LanguageCode,
	}
	var status analyticsJobStatus
	if err := doJSON(ctx, s.client, http.MethodPost, joinURL(s.baseURL, "/jobs"), body, &status); err != nil {
		return jobs.Handle{}, fmt.Errorf("start %s job: %w", req.Kind, err)
	}
	if status.JobID == "" {
		return jobs.Handle{}, fmt.Errorf("start %s job: response has no job id", req.Kind)
	}
	return jobs.Handle{Kind: req.Kind, JobID: status.JobID, OutputKey: req.OutputKey}, nil
}

// TryFetch checks the job status and reads its output once completed.
func (s *AnalyticsService) TryFetch(ctx context.Context, h jobs.Handle) ([]byte, error) {
	var status analyticsJobStatus
	endpoint := joinURL(s.baseURL, "/jobs/"+url.PathEscape(h.JobID))
	if err := doJSON(ctx, s.client, http.MethodGet, endpoint, nil, &status); err != nil {
		return nil, fmt.Errorf("describe %s job %s: %w", h.Kind, h.JobID, err)
	}

	switch status.Status {
	case JobSubmitted, JobInProgress:
		return nil, fmt.Errorf("%s job %s is %s: %w", h.Kind, h.JobID, status.Status, jobs.ErrNotReady)
	case JobCompleted:
		key := status.OutputKey
		if key == "" {
			key = h.OutputKey
		}
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s output %s: %w", h.Kind, key, err)
		}
		return data, nil
	case JobFailed:
		return nil, fmt.Errorf("%s job %s failed: %s", h.Kind, h.JobID, status.Message)
	default:
		return nil, fmt.Errorf("%s job %s has unknown status %q", h.Kind, h.JobID, status.Status)
	}
}
