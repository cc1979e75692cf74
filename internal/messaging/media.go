package messaging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// maxMediaBytes caps remote media downloads. WhatsApp rejects larger
// payloads anyway, so there is no point buffering more.
const maxMediaBytes = 64 << 20

// MediaFetcher downloads remote media referenced by send requests.
type MediaFetcher struct {
	http *http.Client
}

// NewMediaFetcher creates a fetcher with retrying transport. Media GETs are
// idempotent, so transient upstream failures are retried transparently.
func NewMediaFetcher() *MediaFetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil // suppress default logging

	return &MediaFetcher{http: retryClient.StandardClient()}
}

// Fetch downloads the media at url and returns its bytes plus the content
// type reported by the server (sniffed from the payload when absent).
func (f *MediaFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("messaging: build media request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("messaging: fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("messaging: fetch media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("messaging: read media body: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("messaging: media exceeds %d byte limit", maxMediaBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("messaging: media body is empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}
