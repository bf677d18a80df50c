package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type transitionLabel struct {
	from string
	to   string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, video lifecycle transitions, upload and webhook activity, and
// transcode dispatching. It coordinates concurrent writers via a RWMutex
// while exposing a thread-safe gauge for in-flight dispatch tracking.
type Recorder struct {
	mu                   sync.RWMutex
	requestCount         map[requestLabel]uint64
	requestDuration      map[requestLabel]time.Duration
	statusTransitions    map[transitionLabel]uint64
	uploadURLsIssued     uint64
	webhookEvents        map[string]uint64
	dispatchAttempts     map[string]uint64
	dispatchFailures     map[string]uint64
	componentHealthValue map[string]float64
	componentHealthState map[string]string
	activeDispatches     atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:         make(map[requestLabel]uint64),
		requestDuration:      make(map[requestLabel]time.Duration),
		statusTransitions:    make(map[transitionLabel]uint64),
		webhookEvents:        make(map[string]uint64),
		dispatchAttempts:     make(map[string]uint64),
		dispatchFailures:     make(map[string]uint64),
		componentHealthValue: make(map[string]float64),
		componentHealthState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveVideoStatusChange records one processing state machine transition.
func (r *Recorder) ObserveVideoStatusChange(from, to string) {
	label := transitionLabel{from: normalizeName(from), to: normalizeName(to)}
	r.mu.Lock()
	r.statusTransitions[label]++
	r.mu.Unlock()
}

// ObserveUploadURLIssued counts a successfully presigned upload URL.
func (r *Recorder) ObserveUploadURLIssued() {
	r.mu.Lock()
	r.uploadURLsIssued++
	r.mu.Unlock()
}

// ObserveWebhookEvent records a processing webhook outcome such as
// "completed", "failed", "rejected", "unauthorized", or "invalid".
func (r *Recorder) ObserveWebhookEvent(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.webhookEvents[normalized]++
	r.mu.Unlock()
}

// ObserveDispatchAttempt records a dispatch operation attempt keyed by
// operation name (e.g., "presign_source", "submit_job").
func (r *Recorder) ObserveDispatchAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.dispatchAttempts[op]++
	r.mu.Unlock()
}

// ObserveDispatchFailure records a failed dispatch operation keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveDispatchFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.dispatchFailures[op]++
	r.mu.Unlock()
}

// DispatchStarted increments the in-flight dispatch gauge.
func (r *Recorder) DispatchStarted() {
	r.activeDispatches.Add(1)
}

// DispatchFinished decrements the in-flight dispatch gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) DispatchFinished() {
	r.decrementGauge(&r.activeDispatches)
}

// ActiveDispatches exposes the current gauge of in-flight dispatch work.
func (r *Recorder) ActiveDispatches() int64 {
	return r.activeDispatches.Load()
}

// SetComponentHealth normalizes component identifiers, maps status strings
// to numeric health values, and stores both representations for export.
func (r *Recorder) SetComponentHealth(component, status string) {
	normalizedComponent := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.componentHealthValue[normalizedComponent] = value
	r.componentHealthState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// DispatchCounts returns copies of dispatch attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) DispatchCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.dispatchAttempts))
	for k, v := range r.dispatchAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.dispatchFailures))
	for k, v := range r.dispatchFailures {
		failures[k] = v
	}
	return attempts, failures
}

// WebhookEventCounts returns a copy of the webhook outcome counters.
func (r *Recorder) WebhookEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.webhookEvents))
	for k, v := range r.webhookEvents {
		events[k] = v
	}
	return events
}

// StatusTransitionCount reports how many times the from->to transition was
// observed.
func (r *Recorder) StatusTransitionCount(from, to string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusTransitions[transitionLabel{from: normalizeName(from), to: normalizeName(to)}]
}

// UploadURLsIssued reports the running count of presigned upload URLs.
func (r *Recorder) UploadURLsIssued() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uploadURLsIssued
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.statusTransitions = make(map[transitionLabel]uint64)
	r.uploadURLsIssued = 0
	r.webhookEvents = make(map[string]uint64)
	r.dispatchAttempts = make(map[string]uint64)
	r.dispatchFailures = make(map[string]uint64)
	r.componentHealthValue = make(map[string]float64)
	r.componentHealthState = make(map[string]string)
	r.activeDispatches.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	transitions := r.sortedTransitionLabels()
	webhookEvents := r.sortedWebhookEvents()
	dispatchOperations := r.sortedDispatchOperations()
	components := r.sortedComponents()

	fmt.Fprintln(w, "# HELP vodhub_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodhub_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodhub_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodhub_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodhub_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodhub_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodhub_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodhub_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodhub_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodhub_video_status_transitions_total Processing state machine transitions by from and to state")
	fmt.Fprintln(w, "# TYPE vodhub_video_status_transitions_total counter")
	for _, label := range transitions {
		count := r.statusTransitions[label]
		fmt.Fprintf(w, "vodhub_video_status_transitions_total{from=\"%s\",to=\"%s\"} %d\n", label.from, label.to, count)
	}

	fmt.Fprintln(w, "# HELP vodhub_upload_urls_issued_total Presigned upload URLs issued to owners")
	fmt.Fprintln(w, "# TYPE vodhub_upload_urls_issued_total counter")
	fmt.Fprintf(w, "vodhub_upload_urls_issued_total %d\n", r.uploadURLsIssued)

	fmt.Fprintln(w, "# HELP vodhub_webhook_events_total Processing webhook callbacks by outcome")
	fmt.Fprintln(w, "# TYPE vodhub_webhook_events_total counter")
	for _, event := range webhookEvents {
		count := r.webhookEvents[event]
		fmt.Fprintf(w, "vodhub_webhook_events_total{outcome=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP vodhub_dispatch_attempts_total Transcode dispatch operations attempted by action")
	fmt.Fprintln(w, "# TYPE vodhub_dispatch_attempts_total counter")
	for _, op := range dispatchOperations {
		count := r.dispatchAttempts[op]
		fmt.Fprintf(w, "vodhub_dispatch_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP vodhub_dispatch_failures_total Transcode dispatch operation failures by action")
	fmt.Fprintln(w, "# TYPE vodhub_dispatch_failures_total counter")
	for _, op := range dispatchOperations {
		count := r.dispatchFailures[op]
		fmt.Fprintf(w, "vodhub_dispatch_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP vodhub_active_dispatches Current number of in-flight transcode dispatches")
	fmt.Fprintln(w, "# TYPE vodhub_active_dispatches gauge")
	fmt.Fprintf(w, "vodhub_active_dispatches %d\n", r.activeDispatches.Load())

	fmt.Fprintln(w, "# HELP vodhub_component_health Health status reported by service dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE vodhub_component_health gauge")
	for _, component := range components {
		value := r.componentHealthValue[component]
		status := r.componentHealthState[component]
		fmt.Fprintf(w, "vodhub_component_health{component=\"%s\",status=\"%s\"} %f\n", component, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTransitionLabels() []transitionLabel {
	labels := make([]transitionLabel, 0, len(r.statusTransitions))
	for label := range r.statusTransitions {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].from != labels[j].from {
			return labels[i].from < labels[j].from
		}
		return labels[i].to < labels[j].to
	})
	return labels
}

func (r *Recorder) sortedWebhookEvents() []string {
	events := make([]string, 0, len(r.webhookEvents))
	for event := range r.webhookEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedDispatchOperations() []string {
	seen := make(map[string]struct{}, len(r.dispatchAttempts)+len(r.dispatchFailures))
	for op := range r.dispatchAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.dispatchFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedComponents() []string {
	components := make([]string, 0, len(r.componentHealthValue))
	for component := range r.componentHealthValue {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier separates opaque IDs from route words. Video and user
// IDs are 36-character UUIDs, while the longest literal segment
// ("processing-webhook") stays under the length cutoff and carries no digits.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 20 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveVideoStatusChange records a state transition on the default recorder.
func ObserveVideoStatusChange(from, to string) {
	defaultRecorder.ObserveVideoStatusChange(from, to)
}

// ObserveUploadURLIssued counts a presigned upload URL on the default recorder.
func ObserveUploadURLIssued() {
	defaultRecorder.ObserveUploadURLIssued()
}

// ObserveWebhookEvent records a webhook outcome on the default recorder.
func ObserveWebhookEvent(outcome string) {
	defaultRecorder.ObserveWebhookEvent(outcome)
}

// ObserveDispatchAttempt records a dispatch attempt on the default recorder.
func ObserveDispatchAttempt(operation string) {
	defaultRecorder.ObserveDispatchAttempt(operation)
}

// ObserveDispatchFailure records a dispatch failure on the default recorder.
func ObserveDispatchFailure(operation string) {
	defaultRecorder.ObserveDispatchFailure(operation)
}

// DispatchStarted increments the in-flight gauge on the default recorder.
func DispatchStarted() {
	defaultRecorder.DispatchStarted()
}

// DispatchFinished decrements the in-flight gauge on the default recorder.
func DispatchFinished() {
	defaultRecorder.DispatchFinished()
}

// SetComponentHealth updates component health on the default recorder.
func SetComponentHealth(component, status string) {
	defaultRecorder.SetComponentHealth(component, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
