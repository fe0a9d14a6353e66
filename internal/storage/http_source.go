package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSource reads file references that are http(s) URLs, such as presigned
// upload URLs handed out by the upload route
type HTTPSource struct {
	httpClient *http.Client
}

// NewHTTPSource creates a new HTTP-based file source
func NewHTTPSource(httpClient *http.Client) *HTTPSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{
		httpClient: httpClient,
	}
}

// Open downloads the referenced URL
func (s *HTTPSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// Remove is a no-op; remote uploads expire on the owning side
func (s *HTTPSource) Remove(ctx context.Context, ref string) error {
	return nil
}

// RoutingSource sends http(s) references to Remote and everything else to Local
type RoutingSource struct {
	Local  FileSource
	Remote FileSource
}

func (r *RoutingSource) pick(ref string) FileSource {
	if r.Remote != nil && (strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")) {
		return r.Remote
	}
	return r.Local
}

func (r *RoutingSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return r.pick(ref).Open(ctx, ref)
}

func (r *RoutingSource) Remove(ctx context.Context, ref string) error {
	return r.pick(ref).Remove(ctx, ref)
}
