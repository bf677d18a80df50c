package transcoderstub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake transcoding service should behave.
type Options struct {
	// JobIDPrefix seeds the identifiers returned from the job submission
	// endpoint. Defaults to "job".
	JobIDPrefix string

	// FailSubmits causes the first N job submissions to return HTTP 502.
	// Subsequent attempts succeed.
	FailSubmits int

	// Token is the bearer credential enforced by the stub. If empty, the
	// check is skipped.
	Token string
}

// Submission represents a recorded job submission.
type Submission struct {
	VideoID     string
	SourceURL   string
	CallbackURL string
	Qualities   []string
	Attempt     int
	Status      int
	Timestamp   time.Time
}

// Service hosts a single httptest.Server that serves the job endpoint.
type Service struct {
	server *httptest.Server
	opts   Options

	mu          sync.Mutex
	submissions []Submission
	attempts    int
}

// Start spins up a new transcoder stub using the provided options.
func Start(opts Options) *Service {
	svc := &Service{opts: opts}
	svc.server = httptest.NewServer(http.HandlerFunc(svc.handle))
	return svc
}

// Close shuts down the underlying HTTP server.
func (s *Service) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the HTTP base URL of the stub service.
func (s *Service) BaseURL() string {
	return s.server.URL
}

// Submissions returns a copy of all recorded submissions in the order they
// occurred, including failed attempts.
func (s *Service) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs" {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}
	if !s.expectBearer(w, r) {
		return
	}

	type jobRequest struct {
		VideoID     string   `json:"videoId"`
		SourceURL   string   `json:"sourceUrl"`
		CallbackURL string   `json:"callbackUrl"`
		Qualities   []string `json:"qualities"`
	}
	type jobResponse struct {
		JobID string `json:"jobId"`
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	sub := Submission{
		VideoID:     req.VideoID,
		SourceURL:   req.SourceURL,
		CallbackURL: req.CallbackURL,
		Qualities:   append([]string{}, req.Qualities...),
		Attempt:     attempt,
		Status:      http.StatusAccepted,
		Timestamp:   time.Now(),
	}

	if attempt <= s.opts.FailSubmits {
		sub.Status = http.StatusBadGateway
		s.record(sub)
		http.Error(w, "transcoder offline", http.StatusBadGateway)
		return
	}

	s.record(sub)

	prefix := strings.TrimSpace(s.opts.JobIDPrefix)
	if prefix == "" {
		prefix = "job"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(jobResponse{JobID: fmt.Sprintf("%s-%d", prefix, attempt)})
}

func (s *Service) record(sub Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, sub)
}

func (s *Service) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	expected := strings.TrimSpace(s.opts.Token)
	if expected == "" {
		return true
	}
	if got := r.Header.Get("Authorization"); got != fmt.Sprintf("Bearer %s", expected) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
