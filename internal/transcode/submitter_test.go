package transcode

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPSubmitterPostsJob(t *testing.T) {
	var received Job
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("unexpected content type %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(map[string]string{"jobId": "job-123"}); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer server.Close()

	submitter := NewHTTPSubmitter(server.URL, "secret-token", server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	job := Job{
		VideoID:     "video-1",
		SourceURL:   "https://cdn.example.test/videos/video-1.mp4",
		CallbackURL: "https://api.example.test/api/videos/video-1/processing-webhook",
		Qualities:   []string{"720p"},
	}
	if err := submitter.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if auth != "Bearer secret-token" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	if received.VideoID != job.VideoID || received.SourceURL != job.SourceURL || received.CallbackURL != job.CallbackURL {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if len(received.Qualities) != 1 || received.Qualities[0] != "720p" {
		t.Fatalf("unexpected qualities: %v", received.Qualities)
	}
}

func TestHTTPSubmitterAcceptsBareSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Fatalf("expected no authorization header, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	submitter := NewHTTPSubmitter(server.URL, "", server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := submitter.Submit(context.Background(), Job{VideoID: "video-1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestHTTPSubmitterRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	submitter := NewHTTPSubmitter(server.URL, "token", server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := submitter.Submit(context.Background(), Job{VideoID: "video-1"})
	if err == nil {
		t.Fatal("expected error for 503 response, got nil")
	}
	if !strings.Contains(err.Error(), "queue full") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestNoopSubmitterAcceptsJobs(t *testing.T) {
	if err := (NoopSubmitter{}).Submit(context.Background(), Job{VideoID: "video-1"}); err != nil {
		t.Fatalf("noop submit: %v", err)
	}
}
