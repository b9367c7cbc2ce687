package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
)

var (
	// ErrJobDeleted signals that the submit API no longer knows the job; the
	// queue reacts by deleting its row so the worker stops work.
	ErrJobDeleted = errors.New("job deleted upstream")

	// ErrUpstream covers every other non-2xx response from the submit API.
	ErrUpstream = errors.New("upstream error")
)

// StatusUpdate is the callback payload for PUT /_job_status.
type StatusUpdate struct {
	JobID          string        `json:"job_id"`
	Status         api.JobStatus `json:"status"`
	RuntimeDetails string        `json:"runtime_details,omitempty"`
}

// Tracker reports job status transitions to the submit API.
type Tracker interface {
	UpdateJobStatus(ctx context.Context, jobID string, status api.JobStatus, runtimeDetails string) error
}

// Client is the HTTP tracker used in production. It authenticates with the
// shared internal API key.
type Client struct {
	baseURL    func() string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a tracker against the submit API. baseURL is resolved per
// call so deployments can repoint the submit API at runtime.
func NewClient(baseURL func() string, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// UpdateJobStatus PUTs the transition to the submit API. A 404 maps to
// ErrJobDeleted; other non-2xx statuses propagate as ErrUpstream so the
// caller never silently desynchronizes user-visible state.
func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status api.JobStatus, runtimeDetails string) error {
	payload, err := json.Marshal(StatusUpdate{
		JobID:          jobID,
		Status:         status,
		RuntimeDetails: runtimeDetails,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}

	url := c.baseURL() + "/_job_status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build status update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: job %s", ErrJobDeleted, jobID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d updating job %s: %s", ErrUpstream, resp.StatusCode, jobID, body)
	}
}
