package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Prediction states.
const (
	PredictionStarting   = "starting"
	PredictionProcessing = "processing"
	PredictionSucceeded  = "succeeded"
	PredictionFailed     = "failed"
	PredictionCanceled   = "canceled"
)

// ReplicateClient runs inpainting predictions.
type ReplicateClient struct {
	Token         string
	BaseURL       string
	Version       string
	Steps         int
	GuidanceScale float64
	PollInterval  time.Duration
	MaxAttempts   int
	HTTP          *http.Client
}

// Configured reports whether a token is set.
func (c *ReplicateClient) Configured() bool {
	return c != nil && c.Token != ""
}

// InpaintRequest carries PNG-encoded image and mask. White mask pixels are
// generated, black ones kept.
type InpaintRequest struct {
	Prompt         string
	NegativePrompt string
	Image          []byte
	Mask           []byte
}

type predictionInput struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	Image             string  `json:"image"`
	Mask              string  `json:"mask"`
	NumOutputs        int     `json:"num_outputs"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
}

type predictionRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

// Prediction is the subset of Replicate's prediction object we use.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

// Done reports whether the prediction reached a terminal state.
func (p *Prediction) Done() bool {
	switch p.Status {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	}
	return false
}

// ErrorMessage renders the error field, which may be a string or an object.
func (p *Prediction) ErrorMessage() string {
	if len(p.Error) == 0 || string(p.Error) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(p.Error, &s) == nil {
		return s
	}
	return string(p.Error)
}

// OutputURL returns the output image URL. Output may be a string or an array
// of strings; the first entry wins.
func (p *Prediction) OutputURL() (string, error) {
	var s string
	if json.Unmarshal(p.Output, &s) == nil && s != "" {
		return s, nil
	}
	var list []string
	if json.Unmarshal(p.Output, &list) == nil && len(list) > 0 && list[0] != "" {
		return list[0], nil
	}
	return "", fmt.Errorf("no output image from Replicate")
}

// PNGDataURL wraps PNG bytes in a data URL.
func PNGDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func (c *ReplicateClient) do(ctx context.Context, method, path string, body any) (*Prediction, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("replicate: %w", ErrNotConfigured)
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(data)
	}
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient(c.HTTP).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError("Replicate", resp)
	}
	var p Prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	return &p, nil
}

// Create starts a prediction.
func (c *ReplicateClient) Create(ctx context.Context, r InpaintRequest) (*Prediction, error) {
	return c.do(ctx, http.MethodPost, "/v1/predictions", predictionRequest{
		Version: c.Version,
		Input: predictionInput{
			Prompt:            r.Prompt,
			NegativePrompt:    r.NegativePrompt,
			Image:             PNGDataURL(r.Image),
			Mask:              PNGDataURL(r.Mask),
			NumOutputs:        1,
			NumInferenceSteps: c.Steps,
			GuidanceScale:     c.GuidanceScale,
		},
	})
}

// Get fetches a prediction by id.
func (c *ReplicateClient) Get(ctx context.Context, id string) (*Prediction, error) {
	return c.do(ctx, http.MethodGet, "/v1/predictions/"+id, nil)
}

// Inpaint creates a prediction and polls it to completion, returning the
// output image URL.
func (c *ReplicateClient) Inpaint(ctx context.Context, r InpaintRequest, onPoll func(attempt int, status string)) (string, error) {
	p, err := c.Create(ctx, r)
	if err != nil {
		return "", err
	}

	for attempt := 1; !p.Done() && attempt <= c.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.PollInterval):
		}
		p, err = c.Get(ctx, p.ID)
		if err != nil {
			return "", fmt.Errorf("failed to poll prediction status: %w", err)
		}
		if onPoll != nil {
			onPoll(attempt, p.Status)
		}
	}

	switch p.Status {
	case PredictionSucceeded:
		return p.OutputURL()
	case PredictionFailed:
		msg := p.ErrorMessage()
		if msg == "" {
			msg = "Prediction failed"
		}
		return "", fmt.Errorf("%w: %s", ErrFailed, msg)
	case PredictionCanceled:
		return "", ErrCanceled
	}
	return "", ErrTimeout
}
