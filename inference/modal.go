package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

const (
	ModalCreateTimeout = 60 * time.Second
	ModalStatusTimeout = 30 * time.Second
)

// Modal job states reported by the status endpoint.
const (
	ModalProcessing = "processing"
	ModalCompleted  = "completed"
	ModalFailed     = "failed"
)

// ModalClient submits photos to the image-to-3D endpoint and polls for the
// resulting PLY.
type ModalClient struct {
	Endpoint       string
	StatusEndpoint string
	HTTP           *http.Client
}

// NewModalClient returns a client using http.DefaultClient.
func NewModalClient(endpoint, statusEndpoint string) *ModalClient {
	return &ModalClient{Endpoint: endpoint, StatusEndpoint: statusEndpoint, HTTP: http.DefaultClient}
}

// Configured reports whether both endpoints are set.
func (c *ModalClient) Configured() bool {
	return c != nil && c.Endpoint != "" && c.StatusEndpoint != ""
}

type modalRequest struct {
	Image     string `json:"image"`
	Filename  string `json:"filename"`
	Prompt    string `json:"prompt"`
	Elevation int    `json:"elevation"`
	Async     bool   `json:"async"`
}

type modalResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"call_id"`
	PLY     string `json:"ply"`
	Error   string `json:"error"`
}

// ModalSubmission is either an async call id or an immediate PLY.
type ModalSubmission struct {
	CallID string
	PLY    []byte
}

// ModalStatus is one status poll result. PLY is decoded when completed.
type ModalStatus struct {
	Status string
	PLY    []byte
	Error  string
}

// Submit sends an image for async processing.
func (c *ModalClient) Submit(ctx context.Context, image []byte, filename, prompt string, elevation int) (*ModalSubmission, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("modal: %w", ErrNotConfigured)
	}
	body, err := json.Marshal(modalRequest{
		Image:     base64.StdEncoding.EncodeToString(image),
		Filename:  filename,
		Prompt:    prompt,
		Elevation: elevation,
		Async:     true,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ModalCreateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(c.HTTP).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to process with Modal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError("Modal", resp)
	}

	var out modalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode Modal response: %w", err)
	}
	switch {
	case out.Error != "":
		return nil, fmt.Errorf("%w: %s", ErrFailed, out.Error)
	case out.CallID != "":
		return &ModalSubmission{CallID: out.CallID}, nil
	case out.PLY != "":
		ply, err := base64.StdEncoding.DecodeString(out.PLY)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PLY: %w", err)
		}
		return &ModalSubmission{PLY: ply}, nil
	}
	return nil, fmt.Errorf("unexpected response from Modal")
}

// Status checks an async call once.
func (c *ModalClient) Status(ctx context.Context, callID string) (*ModalStatus, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("modal: %w", ErrNotConfigured)
	}
	u, err := url.Parse(c.StatusEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid status endpoint: %w", err)
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, ModalStatusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient(c.HTTP).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError("Modal", resp)
	}

	var raw struct {
		Status string `json:"status"`
		PLY    string `json:"ply"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode Modal status: %w", err)
	}
	st := &ModalStatus{Status: raw.Status, Error: raw.Error}
	if raw.Status == ModalCompleted {
		st.PLY, err = base64.StdEncoding.DecodeString(raw.PLY)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PLY: %w", err)
		}
	}
	return st, nil
}

// Wait polls Status every interval until the call completes or fails.
// Transport and HTTP errors count as "still processing", the way a flaky
// status endpoint is treated by the web client.
func (c *ModalClient) Wait(ctx context.Context, callID string, interval time.Duration, maxAttempts int, onPoll func(attempt int, status string)) ([]byte, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		st, err := c.Status(ctx, callID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("Modal status check for %s failed: %v", callID, err)
			continue
		}
		if onPoll != nil {
			onPoll(attempt, st.Status)
		}
		switch st.Status {
		case ModalCompleted:
			return st.PLY, nil
		case ModalFailed:
			msg := st.Error
			if msg == "" {
				msg = "Processing failed"
			}
			return nil, fmt.Errorf("%w: %s", ErrFailed, msg)
		}
	}
	return nil, fmt.Errorf("modal call %s: %w after %d attempts", callID, ErrTimeout, maxAttempts)
}
