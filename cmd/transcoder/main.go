// Command transcoder is the development stand-in for the external
// transcoding service. It accepts dispatch jobs from the vodhub API,
// produces an HLS ladder with ffmpeg when a work directory is configured
// and ffmpeg is on PATH, simulates the outputs otherwise, and reports the
// outcome back through the signed processing webhook.
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"vodhub/internal/serverutil"
)

const (
	callbackAttempts   = 3
	callbackRetryDelay = 2 * time.Second
)

type jobRequest struct {
	VideoID     string   `json:"videoId"`
	SourceURL   string   `json:"sourceUrl"`
	CallbackURL string   `json:"callbackUrl"`
	Qualities   []string `json:"qualities"`
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

type callbackOutput struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

// callbackPayload matches what the API's processing webhook decodes.
type callbackPayload struct {
	VideoID           string           `json:"videoId"`
	Status            string           `json:"status"`
	Outputs           []callbackOutput `json:"outputs,omitempty"`
	MasterPlaylistURL string           `json:"masterPlaylistUrl,omitempty"`
	Error             string           `json:"error,omitempty"`
}

type job struct {
	ID          string
	VideoID     string
	SourceURL   string
	CallbackURL string
	Qualities   []string
	CreatedAt   time.Time
}

type serverConfig struct {
	Token         string
	WebhookSecret string
	WorkRoot      string
	PublicBase    string
	SimulateDelay time.Duration
	Client        *http.Client
}

type server struct {
	token         string
	webhookSecret string
	workRoot      string
	publicBase    string
	ffmpegPath    string
	simulateDelay time.Duration
	client        *http.Client

	mu     sync.RWMutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	bind := envOrDefault("VODHUB_TRANSCODER_BIND", ":9100")
	cfg := serverConfig{
		Token:         strings.TrimSpace(os.Getenv("VODHUB_TRANSCODER_TOKEN")),
		WebhookSecret: strings.TrimSpace(os.Getenv("VODHUB_WEBHOOK_SECRET")),
		WorkRoot:      strings.TrimSpace(os.Getenv("VODHUB_TRANSCODER_WORK_DIR")),
		PublicBase:    strings.TrimSpace(os.Getenv("VODHUB_TRANSCODER_PUBLIC_BASE_URL")),
		SimulateDelay: durationOrDefault("VODHUB_TRANSCODER_SIMULATE_DELAY", 2*time.Second),
	}
	if cfg.PublicBase == "" {
		cfg.PublicBase = defaultPublicBase(bind)
	}

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("initialise server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              bind,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("transcoder listening on %s", bind)
	if srv.ffmpegPath != "" {
		log.Printf("using %s, writing HLS output under %s", srv.ffmpegPath, srv.workRoot)
	} else {
		log.Printf("ffmpeg not configured, simulating outputs after %s", srv.simulateDelay)
	}
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          httpServer,
		ShutdownTimeout: 30 * time.Second,
		Drain:           srv.drainJobs,
	})
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Println("transcoder stopped")
}

func newServer(cfg serverConfig) (*server, error) {
	srv := &server{
		token:         cfg.Token,
		webhookSecret: cfg.WebhookSecret,
		publicBase:    strings.TrimRight(cfg.PublicBase, "/"),
		simulateDelay: cfg.SimulateDelay,
		client:        cfg.Client,
		active:        make(map[string]context.CancelFunc),
	}
	if srv.simulateDelay <= 0 {
		srv.simulateDelay = 2 * time.Second
	}
	if srv.client == nil {
		srv.client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.WorkRoot != "" {
		absRoot, err := filepath.Abs(cfg.WorkRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve work dir: %w", err)
		}
		if err := os.MkdirAll(absRoot, 0o755); err != nil {
			return nil, fmt.Errorf("prepare work dir: %w", err)
		}
		srv.workRoot = absRoot
		if ffmpeg, err := exec.LookPath("ffmpeg"); err == nil {
			srv.ffmpegPath = ffmpeg
		}
	}
	return srv, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/jobs", s.handleJobs)
	mux.HandleFunc("/v1/jobs/", s.handleJobByID)
	if s.workRoot != "" {
		mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.workRoot))))
	}
	return logRequests(mux)
}

func (s *server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[7:])
	return token == s.token
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.VideoID) == "" || strings.TrimSpace(req.SourceURL) == "" || strings.TrimSpace(req.CallbackURL) == "" {
		http.Error(w, "videoId, sourceUrl, and callbackUrl are required", http.StatusBadRequest)
		return
	}

	jobID := newID("job")
	jb := &job{
		ID:          jobID,
		VideoID:     strings.TrimSpace(req.VideoID),
		SourceURL:   strings.TrimSpace(req.SourceURL),
		CallbackURL: strings.TrimSpace(req.CallbackURL),
		Qualities:   normalizeQualities(req.Qualities),
		CreatedAt:   time.Now().UTC(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[jobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(ctx, jb)

	log.Printf("accepted job %s for video %s (%d renditions)", jobID, jb.VideoID, len(jb.Qualities))
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (s *server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	s.mu.RLock()
	cancel, ok := s.active[id]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) runJob(ctx context.Context, jb *job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, jb.ID)
		s.mu.Unlock()
	}()

	outputs, master, err := s.transcode(ctx, jb)
	payload := callbackPayload{VideoID: jb.VideoID}
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.Canceled) {
			reason = "job cancelled"
		}
		payload.Status = "failed"
		payload.Error = reason
		log.Printf("job %s failed: %v", jb.ID, err)
	} else {
		payload.Status = "completed"
		payload.Outputs = outputs
		payload.MasterPlaylistURL = master
		log.Printf("job %s completed with %d renditions", jb.ID, len(outputs))
	}

	if err := s.sendCallback(jb.CallbackURL, payload); err != nil {
		log.Printf("callback for job %s: %v", jb.ID, err)
	}
}

func (s *server) transcode(ctx context.Context, jb *job) ([]callbackOutput, string, error) {
	if s.ffmpegPath != "" && s.workRoot != "" {
		return s.transcodeWithFFmpeg(ctx, jb)
	}
	return s.simulateOutputs(ctx, jb)
}

// simulateOutputs fabricates the ladder without touching the source so the
// full dispatch and webhook loop works on machines without ffmpeg.
func (s *server) simulateOutputs(ctx context.Context, jb *job) ([]callbackOutput, string, error) {
	select {
	case <-time.After(s.simulateDelay):
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	outputs := make([]callbackOutput, 0, len(jb.Qualities))
	for _, quality := range jb.Qualities {
		outputs = append(outputs, callbackOutput{
			Quality: quality,
			URL:     s.mediaURL(jb.ID, quality, "index.m3u8"),
		})
	}
	return outputs, s.mediaURL(jb.ID, "index.m3u8"), nil
}

func (s *server) transcodeWithFFmpeg(ctx context.Context, jb *job) ([]callbackOutput, string, error) {
	plan, err := buildJobPlan(jb.SourceURL, filepath.Join(s.workRoot, jb.ID), jb.Qualities)
	if err != nil {
		return nil, "", err
	}

	cmd := exec.CommandContext(ctx, s.ffmpegPath, plan.args...)
	cmd.Stdout = newLogWriter(jb.ID, "stdout")
	cmd.Stderr = newLogWriter(jb.ID, "stderr")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("ffmpeg: %w", err)
	}

	outputs := make([]callbackOutput, 0, len(plan.variants))
	for _, variant := range plan.variants {
		rel, err := filepath.Rel(plan.outputDir, filepath.FromSlash(variant.Manifest))
		if err != nil {
			rel = filepath.Base(variant.Manifest)
		}
		outputs = append(outputs, callbackOutput{
			Quality: variant.Quality,
			URL:     s.mediaURL(jb.ID, filepath.ToSlash(rel)),
		})
	}
	return outputs, s.mediaURL(jb.ID, "index.m3u8"), nil
}

func (s *server) sendCallback(callbackURL string, payload callbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= callbackAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(callbackRetryDelay)
		}
		req, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if payload.VideoID != "" {
			req.Header.Set("X-Video-Id", payload.VideoID)
		}
		if s.webhookSecret != "" {
			req.Header.Set("X-Webhook-Signature", signBody(s.webhookSecret, body))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("callback returned %s", resp.Status)
	}
	return lastErr
}

func (s *server) mediaURL(parts ...string) string {
	return joinURL(s.publicBase, parts...)
}

// drainJobs holds shutdown until in-flight jobs report back or the
// deadline passes. Abandoned jobs are logged, not treated as fatal.
func (s *server) drainJobs(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("timed out waiting for running jobs")
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normalizeQualities(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, quality := range raw {
		quality = strings.TrimSpace(quality)
		if quality == "" {
			continue
		}
		out = append(out, quality)
	}
	if len(out) == 0 {
		return []string{"480p", "720p", "1080p"}
	}
	return out
}

// qualityBitrate maps a ladder rung to the bandwidth hint written into the
// master playlist. Unknown rungs get no hint.
func qualityBitrate(quality string) int {
	switch strings.ToLower(quality) {
	case "360p":
		return 800
	case "480p":
		return 1400
	case "720p":
		return 2800
	case "1080p":
		return 5000
	default:
		return 0
	}
}

type transcodePlan struct {
	args      []string
	variants  []planVariant
	outputDir string
}

type planVariant struct {
	Quality  string
	Manifest string
}

func buildJobPlan(input, outputDir string, qualities []string) (*transcodePlan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}
	if len(qualities) == 0 {
		qualities = []string{"720p"}
	}

	master := filepath.ToSlash(filepath.Join(absDir, "index.m3u8"))
	args := []string{
		"-y",
		"-i", input,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
	}

	variants := make([]planVariant, 0, len(qualities))
	if len(qualities) == 1 {
		variants = append(variants, planVariant{Quality: qualities[0], Manifest: master})
		args = append(args, master)
	} else {
		used := make(map[string]int)
		varStreamMap := make([]string, 0, len(qualities))
		segmentPattern := filepath.ToSlash(filepath.Join(absDir, "%v", "segment_%06d.ts"))
		for idx, quality := range qualities {
			base := sanitizeName(quality)
			if base == "" {
				base = fmt.Sprintf("variant-%d", idx)
			}
			count := used[base]
			name := base
			if count > 0 {
				name = fmt.Sprintf("%s-%d", base, count)
			}
			used[base] = count + 1
			if err := os.MkdirAll(filepath.Join(absDir, name), 0o755); err != nil {
				return nil, err
			}
			entry := fmt.Sprintf("v:0,a:0 name:%s", name)
			if bitrate := qualityBitrate(quality); bitrate > 0 {
				entry = fmt.Sprintf("%s bandwidth:%d", entry, bitrate*1000)
			}
			varStreamMap = append(varStreamMap, entry)
			variants = append(variants, planVariant{
				Quality:  quality,
				Manifest: filepath.ToSlash(filepath.Join(absDir, name, "index.m3u8")),
			})
		}
		args = append(args,
			"-master_pl_name", "index.m3u8",
			"-hls_segment_filename", segmentPattern,
			"-var_stream_map", strings.Join(varStreamMap, " "),
			filepath.ToSlash(filepath.Join(absDir, "%v", "index.m3u8")),
		)
	}

	return &transcodePlan{
		args:      args,
		variants:  variants,
		outputDir: absDir,
	}, nil
}

type logWriter struct {
	prefix string
}

func newLogWriter(jobID, stream string) *logWriter {
	return &logWriter{prefix: fmt.Sprintf("[%s][%s] ", jobID, stream)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		log.Printf("%s%s", w.prefix, string(line))
	}
	return total, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "variant"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "variant"
	}
	return b.String()
}

func joinURL(base string, parts ...string) string {
	trimmed := strings.TrimRight(base, "/")
	addition := path.Join(parts...)
	if addition == "." {
		addition = ""
	}
	if addition == "" {
		return trimmed
	}
	if trimmed == "" {
		return "/" + strings.TrimLeft(addition, "/")
	}
	return trimmed + "/" + strings.TrimLeft(addition, "/")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("%s %s -> %d (%s)", r.Method, r.URL.Path, lrw.status, time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, rand.Int63())
}

func defaultPublicBase(bind string) string {
	host := bind
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host + "/media"
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s %q, using %s", key, raw, fallback)
		return fallback
	}
	return parsed
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
