package bill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxDocumentSize caps uploads and downloads
const maxDocumentSize = int64(50 << 20) // 50MB

// Fetcher retrieves a remote document
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// Downloader fetches documents over HTTP, retrying transient failures
type Downloader struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewDownloader creates a Downloader with three attempts and a one second backoff step
func NewDownloader() *Downloader {
	return NewDownloaderWithClient(&http.Client{Timeout: 60 * time.Second}, 3, time.Second)
}

// NewDownloaderWithClient creates a Downloader with a custom client and retry policy
func NewDownloaderWithClient(client *http.Client, attempts int, backoff time.Duration) *Downloader {
	if attempts < 1 {
		attempts = 1
	}
	return &Downloader{
		client:   client,
		attempts: attempts,
		backoff:  backoff,
	}
}

// permanentError marks failures that retrying won't fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Fetch downloads a document and returns its bytes and content type
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		data, contentType, err := d.fetchOnce(ctx, url)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || attempt == d.attempts {
			break
		}

		slog.Warn("Download failed, retrying", "url", url, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(time.Duration(attempt) * d.backoff):
		}
	}
	return nil, "", fmt.Errorf("downloading document: %w", lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &permanentError{fmt.Errorf("creating request: %w", err)}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", &permanentError{err}
		}
		return nil, "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", fmt.Errorf("server returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, "", &permanentError{fmt.Errorf("server returned status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > maxDocumentSize {
		return nil, "", &permanentError{fmt.Errorf("document exceeds %d bytes", maxDocumentSize)}
	}

	return data, resp.Header.Get("Content-Type"), nil
}
