package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vodhub/internal/models"
	"vodhub/internal/objectstore"
	"vodhub/internal/observability/metrics"
	"vodhub/internal/storage"
)

// DispatcherConfig wires the dispatcher to its store, object storage, and
// transcoding backend.
type DispatcherConfig struct {
	Store         storage.Repository
	Objects       objectstore.Client
	Submitter     Submitter
	CallbackBase  string
	Qualities     []string
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// Dispatcher pushes transcoding jobs to the backend from a bounded queue.
// Submission is fire-and-forget from the caller's point of view: Enqueue
// never blocks on network work and a submission failure never rewrites video
// state. A stuck video stays in processing until the backend's webhook or an
// operator resolves it.
type Dispatcher struct {
	store         storage.Repository
	objects       objectstore.Client
	submitter     Submitter
	callbackBase  string
	qualities     []string
	workers       int
	timeout       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultDispatchWorkers   = 2
	defaultDispatchQueueSize = 64
	defaultDispatchTimeout   = time.Minute
	defaultDispatchAttempts  = 3
	defaultDispatchRetry     = 2 * time.Second
)

var defaultQualities = []string{"480p", "720p", "1080p"}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultDispatchQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultDispatchAttempts
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultDispatchRetry
	}
	qualities := cloneQualities(cfg.Qualities)
	if len(qualities) == 0 {
		qualities = cloneQualities(defaultQualities)
	}
	submitter := cfg.Submitter
	if submitter == nil {
		submitter = NoopSubmitter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		store:         cfg.Store,
		objects:       cfg.Objects,
		submitter:     submitter,
		callbackBase:  strings.TrimRight(strings.TrimSpace(cfg.CallbackBase), "/"),
		qualities:     qualities,
		workers:       workers,
		timeout:       timeout,
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		queue:         make(chan string, queueSize),
		inFlight:      make(map[string]struct{}),
	}
	return dispatcher
}

func (d *Dispatcher) Start() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	go d.recoverProcessing()
}

func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues the video for job submission. It drops the request when the
// dispatcher is shutting down.
func (d *Dispatcher) Enqueue(videoID string) {
	if d == nil || strings.TrimSpace(videoID) == "" {
		return
	}
	select {
	case <-d.ctx.Done():
		return
	default:
	}
	select {
	case d.queue <- videoID:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case id := <-d.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !d.beginWork(id) {
				continue
			}
			d.dispatch(id)
			d.finishWork(id)
		}
	}
}

func (d *Dispatcher) beginWork(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.inFlight[id]; exists {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) finishWork(id string) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}

// recoverProcessing re-submits jobs for videos that were mid-flight when the
// previous process stopped.
func (d *Dispatcher) recoverProcessing() {
	if d.store == nil {
		return
	}
	videos, err := d.store.ListByStatus(models.StatusProcessing)
	if err != nil {
		d.logger.Error("failed to list processing videos", "error", err)
		return
	}
	for _, video := range videos {
		select {
		case <-d.ctx.Done():
			return
		default:
		}
		d.Enqueue(video.ID)
	}
}

func (d *Dispatcher) dispatch(id string) {
	if d.store == nil {
		return
	}
	video, ok := d.store.PeekVideo(id)
	if !ok {
		return
	}
	if video.Status != models.StatusProcessing {
		return
	}
	if strings.TrimSpace(video.RawSourceKey) == "" {
		d.logger.Error("video has no raw source to transcode", "video_id", id)
		return
	}

	metrics.DispatchStarted()
	defer metrics.DispatchFinished()

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	metrics.ObserveDispatchAttempt("presign_source")
	sourceURL, err := d.sourceURL(ctx, video)
	if err != nil {
		metrics.ObserveDispatchFailure("presign_source")
		d.logger.Error("failed to resolve source URL", "video_id", id, "error", err)
		return
	}

	job := Job{
		VideoID:     video.ID,
		SourceURL:   sourceURL,
		CallbackURL: d.callbackURL(video.ID),
		Qualities:   cloneQualities(d.qualities),
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		metrics.ObserveDispatchAttempt("submit_job")
		lastErr = d.submitter.Submit(ctx, job)
		if lastErr == nil {
			d.logger.Info("transcode job submitted", "video_id", id, "attempt", attempt)
			return
		}
		metrics.ObserveDispatchFailure("submit_job")
		if attempt < d.maxAttempts {
			d.logger.Warn("transcode job submission failed", "video_id", id, "attempt", attempt, "error", lastErr)
			backoff := d.retryInterval << (attempt - 1)
			select {
			case <-ctx.Done():
				d.logger.Error("transcode job submission abandoned", "video_id", id, "error", ctx.Err())
				return
			case <-time.After(backoff):
			}
		}
	}
	d.logger.Error("transcode job submission exhausted retries", "video_id", id, "attempts", d.maxAttempts, "error", lastErr)
}

func (d *Dispatcher) sourceURL(ctx context.Context, video models.Video) (string, error) {
	if d.objects == nil || !d.objects.Enabled() {
		return "", fmt.Errorf("object storage unavailable")
	}
	return d.objects.PresignGet(ctx, video.RawSourceKey)
}

func (d *Dispatcher) callbackURL(videoID string) string {
	if d.callbackBase == "" {
		return fmt.Sprintf("/api/videos/%s/processing-webhook", videoID)
	}
	return fmt.Sprintf("%s/api/videos/%s/processing-webhook", d.callbackBase, videoID)
}

func cloneQualities(qualities []string) []string {
	if len(qualities) == 0 {
		return nil
	}
	out := make([]string, len(qualities))
	copy(out, qualities)
	return out
}
