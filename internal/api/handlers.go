package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vodhub/internal/auth"
	"vodhub/internal/events"
	"vodhub/internal/models"
	"vodhub/internal/objectstore"
	"vodhub/internal/observability/metrics"
	"vodhub/internal/storage"
	"vodhub/internal/transcode"
)

// Pinger reports reachability of an injected dependency for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store      storage.Repository
	Tokens     *auth.TokenManager
	Refresh    *auth.RefreshManager
	Objects    objectstore.Client
	Dispatcher *transcode.Dispatcher
	Events     events.Publisher

	// RateLimiter is optional; when the server wires a Redis-backed limiter
	// its reachability shows up in /healthz alongside the datastore.
	RateLimiter Pinger

	// WebhookSecret authenticates transcoder callbacks. Empty disables the
	// processing webhook entirely.
	WebhookSecret string

	RefreshCookie RefreshCookiePolicy

	Logger *slog.Logger
}

func NewHandler(store storage.Repository, tokens *auth.TokenManager, refresh *auth.RefreshManager) *Handler {
	if refresh == nil {
		refresh = auth.NewRefreshManager(7 * 24 * time.Hour)
	}
	return &Handler{Store: store, Tokens: tokens, Refresh: refresh, Logger: slog.Default()}
}

func (h *Handler) refreshManager() *auth.RefreshManager {
	if h.Refresh == nil {
		h.Refresh = auth.NewRefreshManager(7 * 24 * time.Hour)
	}
	return h.Refresh
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// publishEvent emits a lifecycle notification without letting publisher
// trouble affect the request that triggered it.
func (h *Handler) publishEvent(ctx context.Context, event events.Event) {
	if h.Events == nil {
		return
	}
	event = events.Fill(event)
	if err := h.Events.Publish(ctx, event); err != nil {
		h.logger().Warn("event publish failed", "type", event.Type, "error", err)
	}
}

// Health reports overall service health together with per-component detail.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, statusCode := h.componentHealth(r.Context())
	for _, component := range components {
		metrics.SetComponentHealth(component.Component, component.Status)
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// errorStatus maps storage and auth sentinels onto HTTP statuses. Handlers
// funnel every repository error through here so the API surface stays
// consistent across drivers; anything unrecognized is treated as a caller
// mistake.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateHandle):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func statusChangeData(from, to models.ProcessingStatus) map[string]string {
	return map[string]string{"from": string(from), "to": string(to)}
}
