package api

import (
	"fmt"
	"net/http"
	"time"

	"vodhub/internal/events"
	"vodhub/internal/models"
	"vodhub/internal/observability/metrics"
	"vodhub/internal/storage"
)

type uploadURLRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type uploadURLResponse struct {
	UploadURL  string `json:"uploadUrl"`
	StorageKey string `json:"storageKey"`
	ExpiresAt  string `json:"expiresAt"`
}

type uploadCompleteRequest struct {
	StorageKey string `json:"storageKey"`
}

func newUploadURLResponse(issued storage.IssuedUpload) uploadURLResponse {
	return uploadURLResponse{
		UploadURL:  issued.UploadURL,
		StorageKey: issued.StorageKey,
		ExpiresAt:  issued.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// handleUploadURL presigns a PUT for the raw source object. Only the owner
// of a still-pending video can request one, and each call replaces any
// previously issued URL.
func (h *Handler) handleUploadURL(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	var req uploadURLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	issued, err := h.Store.IssueUploadHandle(storage.IssueUploadHandleParams{
		VideoID:     videoID,
		RequesterID: user.ID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	metrics.ObserveUploadURLIssued()
	writeJSON(w, http.StatusOK, newUploadURLResponse(issued))
}

// handleUploadComplete moves the video from pending to processing and hands
// it to the transcode dispatcher. The reported storage key must match the
// issued upload, and concurrent calls resolve to exactly one winner inside
// the store.
func (h *Handler) handleUploadComplete(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	var req uploadCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	video, err := h.Store.MarkUploadComplete(videoID, user.ID, req.StorageKey)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	metrics.ObserveVideoStatusChange(string(models.StatusPending), string(models.StatusProcessing))
	h.publishEvent(r.Context(), events.Event{
		Type:    events.TypeVideoStatusChanged,
		UserID:  user.ID,
		VideoID: video.ID,
		Data:    statusChangeData(models.StatusPending, models.StatusProcessing),
	})
	if h.Dispatcher != nil {
		h.Dispatcher.Enqueue(video.ID)
	}
	writeJSON(w, http.StatusOK, newVideoResponse(video))
}
