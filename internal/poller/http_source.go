package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/print-quote-service/internal/job"
)

// HTTPSource reads job status from the service's GET /v1/jobs/{id} endpoint.
type HTTPSource struct {
	baseURL    string
	authHeader string
	secret     string
	session    string
	client     *http.Client
}

// NewHTTPSource builds a source for baseURL. An empty authHeader disables the
// shared-secret header.
func NewHTTPSource(baseURL, authHeader, secret string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: authHeader,
		secret:     secret,
		client:     client,
	}
}

// WithSession sends session as X-Session-ID so the job's verification token
// is included in responses.
func (s *HTTPSource) WithSession(session string) *HTTPSource {
	s.session = session
	return s
}

// JobStatus implements StatusSource.
func (s *HTTPSource) JobStatus(ctx context.Context, jobID string) (job.Job, error) {
	endpoint := s.baseURL + "/v1/jobs/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return job.Job{}, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.authHeader != "" {
		req.Header.Set(s.authHeader, s.secret)
	}
	if s.session != "" {
		req.Header.Set("X-Session-ID", s.session)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return job.Job{}, fmt.Errorf("get job status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return job.Job{}, job.ErrNotFound
	case resp.StatusCode == http.StatusGone:
		return job.Job{}, job.ErrExpired
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return job.Job{}, fmt.Errorf("job status returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return job.Job{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var j job.Job
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&j); err != nil {
		return job.Job{}, fmt.Errorf("decode job status: %w", err)
	}
	return j, nil
}
