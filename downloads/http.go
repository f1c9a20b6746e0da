// Package downloads fetches backend results over HTTP with retries.
package downloads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultRetryAttempts is the number of times to try a fetch.
	DefaultRetryAttempts = 3
	// DefaultRetryDelay is the delay between attempts.
	DefaultRetryDelay = 5 * time.Second
	// DefaultBufferSize is the read chunk size.
	DefaultBufferSize = 32 * 1024
	// DefaultMaxBytes caps a single fetch.
	DefaultMaxBytes = 512 << 20
)

// ErrTooLarge is returned when a response exceeds the fetcher's MaxBytes.
var ErrTooLarge = errors.New("response too large")

// ByteProgressCallback reports raw byte progress during a fetch.
type ByteProgressCallback func(downloaded, total int64)

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: bad status: %s", e.URL, e.Status)
}

// Retryable reports whether another attempt could succeed. Client errors
// other than 408 and 429 are final.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// Fetcher downloads URLs into memory.
type Fetcher struct {
	Client   *http.Client
	Attempts int
	Delay    time.Duration
	MaxBytes int64
}

// NewFetcher returns a Fetcher with the default retry policy.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{
		Client:   client,
		Attempts: DefaultRetryAttempts,
		Delay:    DefaultRetryDelay,
		MaxBytes: DefaultMaxBytes,
	}
}

// Fetch performs a single GET and returns the body.
func (f *Fetcher) Fetch(ctx context.Context, url string, progressCb ByteProgressCallback) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	total := resp.ContentLength
	if f.MaxBytes > 0 && total > f.MaxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, FormatBytes(total))
	}

	var out bytes.Buffer
	if total > 0 {
		out.Grow(int(total))
	}
	buffer := make([]byte, DefaultBufferSize)
	var downloaded int64
	lastReport := time.Now()
	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			out.Write(buffer[:n])
			downloaded += int64(n)
			if f.MaxBytes > 0 && downloaded > f.MaxBytes {
				return nil, fmt.Errorf("%w: over %s", ErrTooLarge, FormatBytes(f.MaxBytes))
			}
			if progressCb != nil && time.Since(lastReport) >= 100*time.Millisecond {
				progressCb(downloaded, total)
				lastReport = time.Now()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
	}
	if progressCb != nil {
		progressCb(downloaded, total)
	}
	return out.Bytes(), nil
}

// FetchWithRetry calls Fetch up to Attempts times, waiting Delay between
// attempts. Context cancellation and final status errors stop it early.
func (f *Fetcher) FetchWithRetry(ctx context.Context, url string, progressCb ByteProgressCallback) ([]byte, error) {
	attempts := max(1, f.Attempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := f.Fetch(ctx, url, progressCb)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, err
		}
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.Delay):
			}
		}
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", attempts, lastErr)
}

// FormatBytes formats bytes as human-readable size.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
