// Package content holds the collaborators of the generation pipeline: fetching source
// material over HTTP and turning transcripts into an outline and chapter text.
package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"content-orchestrator/internal/failure"
)

// Fetcher downloads source material with a size cap.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher builds a Fetcher. Zero values fall back to 30s and 25 MiB.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// Fetch returns the body and content type at url.
// Client errors (other than 408 and 429), bad URLs and oversized bodies are data errors;
// everything else is transient.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", failure.Data("fetch", fmt.Errorf("build request: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", failure.Transient("fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", failure.Transient("fetch", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, "", failure.Transient("fetch", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, "", failure.Data("fetch", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", failure.Transient("fetch", fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", failure.Dataf("fetch", "%s: body larger than %d bytes", url, f.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
