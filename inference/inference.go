// Package inference talks to the remote GPU backends: a Modal deployment
// that turns a photo into a splat PLY, and Replicate's inpainting model.
package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNotConfigured is returned when a backend has no endpoint or token.
	ErrNotConfigured = errors.New("backend not configured")
	// ErrTimeout is returned when polling runs out of attempts.
	ErrTimeout = errors.New("prediction timed out")
	// ErrFailed wraps a failure reported by the backend itself.
	ErrFailed = errors.New("backend job failed")
	// ErrCanceled is returned for a prediction canceled on the backend.
	ErrCanceled = errors.New("prediction was canceled")
)

// APIError is a non-2xx response from a backend.
type APIError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s API error: %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

// readAPIError builds an APIError from resp, preferring the JSON "detail"
// field, then "title", then the raw body.
func readAPIError(backend string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	e := &APIError{Backend: backend, StatusCode: resp.StatusCode}
	var parsed struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Detail != "":
			e.Message = parsed.Detail
		case parsed.Title != "":
			e.Message = parsed.Title
		case parsed.Error != "":
			e.Message = parsed.Error
		}
		return e
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		e.Message = fmt.Sprintf("%d - %s", resp.StatusCode, text)
	}
	return e
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}
