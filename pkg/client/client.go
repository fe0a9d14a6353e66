package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// Client is an HTTP client for submitting upload jobs to a face worker
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Upload enqueues one job. Jobs are validated locally before any request.
func (c *Client) Upload(ctx context.Context, job pipeline.Job) (*pipeline.UploadResponse, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	var resp pipeline.UploadResponse
	if err := c.post(ctx, "/v1/uploads", job, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitBatch submits the files of one multi-file upload as a cohesive batch
func (c *Client) SubmitBatch(ctx context.Context, jobs []pipeline.Job) (*pipeline.BatchResponse, error) {
	req := pipeline.BatchRequest{Jobs: jobs}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp pipeline.BatchResponse
	if err := c.post(ctx, "/v1/batches", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	// Marshal request
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Jobs are only accepted, never processed inline
	if resp.StatusCode != http.StatusAccepted {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StatusError is returned when the worker answers with anything but 202
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}
