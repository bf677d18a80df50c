package api

import (
	"fmt"
	"net/http"
	"strings"

	"vodhub/internal/events"
	"vodhub/internal/models"
	"vodhub/internal/observability/metrics"
)

type processingOutput struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

// processingWebhookRequest is decoded leniently because the transcoder owns
// the payload and may add fields we do not read.
type processingWebhookRequest struct {
	VideoID           string             `json:"videoId"`
	Status            string             `json:"status"`
	Outputs           []processingOutput `json:"outputs"`
	MasterPlaylistURL string             `json:"masterPlaylistUrl"`
	Error             string             `json:"error"`
}

// handleProcessingWebhook receives the transcoder's terminal callback and
// finishes the processing run. Unlike the rest of the API it authenticates
// with the shared webhook secret rather than a user token, since the caller
// is the transcoding service.
func (h *Handler) handleProcessingWebhook(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	if !h.webhookAuthorized(r) {
		h.logger().Warn("processing webhook rejected", "video_id", videoID, "remote_addr", r.RemoteAddr)
		metrics.ObserveWebhookEvent("unauthorized")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req processingWebhookRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		metrics.ObserveWebhookEvent("invalid")
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.VideoID != "" && req.VideoID != videoID {
		metrics.ObserveWebhookEvent("invalid")
		writeError(w, http.StatusBadRequest, fmt.Errorf("payload video id %s does not match path", req.VideoID))
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Status)) {
	case "success", "completed":
		h.completeProcessing(w, r, videoID, req)
	case "failure", "failed", "error":
		h.failProcessing(w, r, videoID, req)
	default:
		metrics.ObserveWebhookEvent("invalid")
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown processing status %q", req.Status))
	}
}

func (h *Handler) completeProcessing(w http.ResponseWriter, r *http.Request, videoID string, req processingWebhookRequest) {
	outputs := make([]models.Output, 0, len(req.Outputs))
	for _, output := range req.Outputs {
		outputs = append(outputs, models.Output{Quality: output.Quality, URL: output.URL})
	}

	video, err := h.Store.CompleteProcessing(videoID, outputs, req.MasterPlaylistURL)
	if err != nil {
		metrics.ObserveWebhookEvent("rejected")
		writeError(w, errorStatus(err), err)
		return
	}

	metrics.ObserveWebhookEvent("completed")
	metrics.ObserveVideoStatusChange(string(models.StatusProcessing), string(models.StatusCompleted))
	h.publishEvent(r.Context(), events.Event{
		Type:    events.TypeVideoStatusChanged,
		UserID:  video.OwnerID,
		VideoID: video.ID,
		Data:    statusChangeData(models.StatusProcessing, models.StatusCompleted),
	})
	h.logger().Info("video processing completed", "video_id", video.ID, "outputs", len(video.Outputs))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(video.Status)})
}

func (h *Handler) failProcessing(w http.ResponseWriter, r *http.Request, videoID string, req processingWebhookRequest) {
	reason := strings.TrimSpace(req.Error)
	if reason == "" {
		reason = "transcoding failed"
	}

	video, err := h.Store.FailProcessing(videoID, reason)
	if err != nil {
		metrics.ObserveWebhookEvent("rejected")
		writeError(w, errorStatus(err), err)
		return
	}

	metrics.ObserveWebhookEvent("failed")
	metrics.ObserveVideoStatusChange(string(models.StatusProcessing), string(models.StatusFailed))
	h.publishEvent(r.Context(), events.Event{
		Type:    events.TypeVideoStatusChanged,
		UserID:  video.OwnerID,
		VideoID: video.ID,
		Data:    statusChangeData(models.StatusProcessing, models.StatusFailed),
	})
	h.logger().Warn("video processing failed", "video_id", video.ID, "reason", reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(video.Status)})
}
