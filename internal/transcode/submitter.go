package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Job describes one transcoding request handed to a backend. The backend
// fetches the source, produces the renditions, and reports the outcome to the
// callback URL.
type Job struct {
	VideoID     string   `json:"videoId"`
	SourceURL   string   `json:"sourceUrl"`
	CallbackURL string   `json:"callbackUrl"`
	Qualities   []string `json:"qualities"`
}

// Submitter hands jobs to a transcoding backend.
type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// NoopSubmitter accepts every job without doing anything. It keeps local
// development working when no transcoding backend is configured; operators
// drive the webhook by hand or videos stay in processing.
type NoopSubmitter struct{}

func (NoopSubmitter) Submit(context.Context, Job) error { return nil }

type jobResponse struct {
	JobID string `json:"jobId"`
}

// HTTPSubmitter posts jobs to an HTTP transcoding service.
type HTTPSubmitter struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPSubmitter constructs a submitter targeting the given service base
// URL. The token, when set, is sent as a bearer credential.
func NewHTTPSubmitter(baseURL, token string, client *http.Client, logger *slog.Logger) *HTTPSubmitter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
	}
}

// Submit posts the job to the service. Any 2xx status counts as accepted;
// transcoding backends typically answer 202 and do the work asynchronously.
func (s *HTTPSubmitter) Submit(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/jobs", s.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setBearer(req, s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var accepted jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err == nil && accepted.JobID != "" {
		s.logger.Info("transcode job accepted", "video_id", job.VideoID, "job_id", accepted.JobID)
	}
	return nil
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
