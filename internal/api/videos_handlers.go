package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vodhub/internal/events"
	"vodhub/internal/models"
	"vodhub/internal/storage"
)

type createVideoRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	ThumbnailURL    string `json:"thumbnailUrl,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

type updateVideoRequest struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	ThumbnailURL    *string `json:"thumbnailUrl"`
	DurationSeconds *int    `json:"durationSeconds"`
	Published       *bool   `json:"published"`
}

type outputResponse struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

type videoResponse struct {
	ID                string           `json:"id"`
	OwnerID           string           `json:"ownerId"`
	Title             string           `json:"title"`
	Description       string           `json:"description,omitempty"`
	ThumbnailURL      string           `json:"thumbnailUrl,omitempty"`
	DurationSeconds   int              `json:"durationSeconds,omitempty"`
	Published         bool             `json:"published"`
	Status            string           `json:"status"`
	ProcessingError   string           `json:"processingError,omitempty"`
	Outputs           []outputResponse `json:"outputs,omitempty"`
	MasterPlaylistURL string           `json:"masterPlaylistUrl,omitempty"`
	ViewCount         int64            `json:"viewCount"`
	CreatedAt         string           `json:"createdAt"`
	UpdatedAt         string           `json:"updatedAt"`
}

type videoListResponse struct {
	Videos   []videoResponse `json:"videos"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

// newVideoResponse shapes a video for the wire. The raw source key stays
// internal; clients only ever see playable outputs.
func newVideoResponse(video models.Video) videoResponse {
	outputs := make([]outputResponse, 0, len(video.Outputs))
	for _, output := range video.Outputs {
		outputs = append(outputs, outputResponse{Quality: output.Quality, URL: output.URL})
	}
	if len(outputs) == 0 {
		outputs = nil
	}
	return videoResponse{
		ID:                video.ID,
		OwnerID:           video.OwnerID,
		Title:             video.Title,
		Description:       video.Description,
		ThumbnailURL:      video.ThumbnailURL,
		DurationSeconds:   video.DurationSeconds,
		Published:         video.Published,
		Status:            string(video.Status),
		ProcessingError:   video.ProcessingError,
		Outputs:           outputs,
		MasterPlaylistURL: video.MasterPlaylistURL,
		ViewCount:         video.ViewCount,
		CreatedAt:         video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:         video.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func newVideoListResponse(videos []models.Video, total, page, pageSize int) videoListResponse {
	response := videoListResponse{
		Videos:   make([]videoResponse, 0, len(videos)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, video := range videos {
		response.Videos = append(response.Videos, newVideoResponse(video))
	}
	return response
}

// parsePagination reads page and pageSize query parameters. Absent values
// fall back to the storage defaults; non-numeric values are caller errors.
func parsePagination(r *http.Request) (int, int, error) {
	page := 1
	pageSize := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, fmt.Errorf("invalid page %q", raw)
		}
		page = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, fmt.Errorf("invalid pageSize %q", raw)
		}
		pageSize = parsed
	}
	return page, pageSize, nil
}

// Videos serves the collection endpoints: the public published listing and
// authenticated creation.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listPublishedVideos(w, r)
	case http.MethodPost:
		h.createVideo(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) listPublishedVideos(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	videos, total, err := h.Store.ListPublished(page, pageSize)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if pageSize < 1 {
		pageSize = len(videos)
		if pageSize == 0 {
			pageSize = 10
		}
	}
	writeJSON(w, http.StatusOK, newVideoListResponse(videos, total, page, pageSize))
}

func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	var req createVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		OwnerID:         user.ID,
		Title:           req.Title,
		Description:     req.Description,
		ThumbnailURL:    req.ThumbnailURL,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	h.publishEvent(r.Context(), events.Event{Type: events.TypeVideoCreated, UserID: user.ID, VideoID: video.ID})
	writeJSON(w, http.StatusCreated, newVideoResponse(video))
}

// MyVideos lists the authenticated user's own records regardless of
// visibility or processing state.
func (h *Handler) MyVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	page, pageSize, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	videos, total, err := h.Store.ListByOwner(user.ID, page, pageSize)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if pageSize < 1 {
		pageSize = len(videos)
		if pageSize == 0 {
			pageSize = 10
		}
	}
	writeJSON(w, http.StatusOK, newVideoListResponse(videos, total, page, pageSize))
}

// VideoByID routes /api/videos/{id} and its nested actions.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getVideo(w, r, id)
		case http.MethodPatch:
			h.updateVideo(w, r, id)
		case http.MethodDelete:
			h.deleteVideo(w, r, id)
		default:
			w.Header().Set("Allow", "GET, PATCH, DELETE")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "upload-url":
			h.handleUploadURL(w, r, id)
		case "upload-complete":
			h.handleUploadComplete(w, r, id)
		case "processing-webhook":
			h.handleProcessingWebhook(w, r, id)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown video action %s", parts[1]))
		}
		return
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("invalid video path"))
}

// getVideo returns the record when the requester may see it. Anonymous
// requests pass an empty requester ID, so unpublished records read as
// missing for everyone but their owner.
func (h *Handler) getVideo(w http.ResponseWriter, r *http.Request, id string) {
	user, _ := UserFromContext(r.Context())
	video, err := h.Store.GetVideo(id, user.ID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoResponse(video))
}

func (h *Handler) updateVideo(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	var req updateVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	video, err := h.Store.UpdateVideo(id, user.ID, storage.VideoUpdate{
		Title:           req.Title,
		Description:     req.Description,
		ThumbnailURL:    req.ThumbnailURL,
		DurationSeconds: req.DurationSeconds,
		Published:       req.Published,
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoResponse(video))
}

func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	if err := h.Store.DeleteVideo(id, user.ID); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	h.publishEvent(r.Context(), events.Event{Type: events.TypeVideoDeleted, UserID: user.ID, VideoID: id})
	w.WriteHeader(http.StatusNoContent)
}
