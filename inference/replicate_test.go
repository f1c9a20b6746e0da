package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newReplicate(srv *httptest.Server) *ReplicateClient {
	return &ReplicateClient{
		Token:         "r8_test",
		BaseURL:       srv.URL,
		Version:       "v1",
		Steps:         20,
		GuidanceScale: 7.5,
		PollInterval:  time.Millisecond,
		MaxAttempts:   5,
		HTTP:          srv.Client(),
	}
}

func TestReplicateInpaintSucceeds(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token r8_test" {
			t.Errorf("Authorization = %q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions":
			var body predictionRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("bad body: %v", err)
			}
			if body.Version != "v1" || body.Input.NumOutputs != 1 || body.Input.NumInferenceSteps != 20 || body.Input.GuidanceScale != 7.5 {
				t.Errorf("unexpected request: %+v", body)
			}
			if !strings.HasPrefix(body.Input.Image, "data:image/png;base64,") || !strings.HasPrefix(body.Input.Mask, "data:image/png;base64,") {
				t.Errorf("image/mask are not PNG data URLs")
			}
			if body.Input.NegativePrompt != "blurry" {
				t.Errorf("negative_prompt = %q", body.Input.NegativePrompt)
			}
			w.Write([]byte(`{"id":"p1","status":"starting"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/p1":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"id":"p1","status":"processing"}`))
				return
			}
			w.Write([]byte(`{"id":"p1","status":"succeeded","output":["https://cdn/out.png"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var statuses []string
	url, err := newReplicate(srv).Inpaint(context.Background(), InpaintRequest{
		Prompt: "sky", NegativePrompt: "blurry", Image: []byte{1}, Mask: []byte{2},
	}, func(_ int, s string) { statuses = append(statuses, s) })
	if err != nil {
		t.Fatalf("Inpaint() error = %v", err)
	}
	if url != "https://cdn/out.png" {
		t.Errorf("url = %q", url)
	}
	if len(statuses) != 2 || statuses[1] != PredictionSucceeded {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestReplicateTerminalStates(t *testing.T) {
	tests := []struct {
		name    string
		poll    string
		wantErr error
		wantMsg string
	}{
		{"failed", `{"id":"p","status":"failed","error":"NSFW content detected"}`, ErrFailed, "NSFW content detected"},
		{"canceled", `{"id":"p","status":"canceled"}`, ErrCanceled, ""},
		{"timeout", `{"id":"p","status":"processing"}`, ErrTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					w.Write([]byte(`{"id":"p","status":"starting"}`))
					return
				}
				w.Write([]byte(tt.poll))
			}))
			defer srv.Close()

			_, err := newReplicate(srv).Inpaint(context.Background(), InpaintRequest{}, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Inpaint() error = %v; want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestReplicateAPIErrorDetail(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"detail":"Invalid version or not permitted","title":"Invalid"}`, "Replicate: Invalid version or not permitted"},
		{`{"title":"Unauthenticated"}`, "Replicate: Unauthenticated"},
		{`{}`, "Replicate API error: 422"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(tt.body))
		}))
		_, err := newReplicate(srv).Create(context.Background(), InpaintRequest{})
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if err.Error() != tt.want {
			t.Errorf("error = %q; want %q", err, tt.want)
		}
	}
}

func TestReplicateNotConfigured(t *testing.T) {
	c := &ReplicateClient{}
	if _, err := c.Inpaint(context.Background(), InpaintRequest{}, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v; want ErrNotConfigured", err)
	}
}

func TestPredictionOutputURL(t *testing.T) {
	tests := []struct {
		output string
		want   string
		ok     bool
	}{
		{`"https://a/b.png"`, "https://a/b.png", true},
		{`["https://a/1.png","https://a/2.png"]`, "https://a/1.png", true},
		{`[]`, "", false},
		{`null`, "", false},
	}
	for _, tt := range tests {
		p := &Prediction{Output: json.RawMessage(tt.output)}
		got, err := p.OutputURL()
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("OutputURL(%s) = %q, %v", tt.output, got, err)
		}
	}
}
