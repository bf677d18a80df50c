package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"vodhub/internal/models"
)

const defaultUploadHandleTTL = 15 * time.Minute

// allowedUploadExtensions lists the container formats the transcoder accepts.
var allowedUploadExtensions = map[string]struct{}{
	".mp4":  {},
	".mov":  {},
	".m4v":  {},
	".webm": {},
	".mkv":  {},
}

// IssueUploadHandleParams describes the file a client wants to upload.
type IssueUploadHandleParams struct {
	VideoID     string
	RequesterID string
	FileName    string
	ContentType string
}

// IssuedUpload carries the presigned URL back to the caller together with the
// storage key the client must report on completion.
type IssuedUpload struct {
	UploadURL  string    `json:"uploadUrl"`
	StorageKey string    `json:"storageKey"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func uploadExtension(fileName string) (string, error) {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(fileName)))
	if ext == "" {
		return "", errors.New("file name must include an extension")
	}
	if _, ok := allowedUploadExtensions[ext]; !ok {
		return "", fmt.Errorf("unsupported file extension %s", ext)
	}
	return ext, nil
}

func validateUploadContentType(contentType string) (string, error) {
	trimmed := strings.TrimSpace(contentType)
	if trimmed == "" {
		return "", errors.New("content type is required")
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), "video/") {
		return "", fmt.Errorf("unsupported content type %s", trimmed)
	}
	return trimmed, nil
}

// IssueUploadHandle presigns a PUT for the raw source object and records the
// pending handle. Issuing again before completion replaces the previous
// handle, so only the most recent upload URL can finish the flow.
func (s *Storage) IssueUploadHandle(params IssueUploadHandleParams) (IssuedUpload, error) {
	ext, err := uploadExtension(params.FileName)
	if err != nil {
		return IssuedUpload{}, err
	}
	contentType, err := validateUploadContentType(params.ContentType)
	if err != nil {
		return IssuedUpload{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	video, ok := s.data.Videos[params.VideoID]
	if !ok {
		return IssuedUpload{}, fmt.Errorf("video %s: %w", params.VideoID, ErrNotFound)
	}
	if video.OwnerID != params.RequesterID {
		return IssuedUpload{}, fmt.Errorf("video %s: %w", params.VideoID, ErrForbidden)
	}
	if video.Status != models.StatusPending {
		return IssuedUpload{}, fmt.Errorf("video %s is %s: %w", params.VideoID, video.Status, ErrInvalidState)
	}

	client := s.objectClient
	if client == nil || !client.Enabled() {
		return IssuedUpload{}, fmt.Errorf("object storage: %w", ErrUnavailable)
	}

	key := rawSourceKey(ext)
	ctx, cancel := context.WithTimeout(context.Background(), s.objectStorage.RequestBudget())
	defer cancel()
	uploadURL, expiresAt, err := client.PresignPut(ctx, key, contentType)
	if err != nil {
		return IssuedUpload{}, fmt.Errorf("presign upload: %w: %v", ErrUnavailable, err)
	}

	previous, hadPrevious := s.data.UploadHandles[params.VideoID]
	s.data.UploadHandles[params.VideoID] = models.UploadHandle{
		VideoID:     params.VideoID,
		StorageKey:  key,
		ContentType: contentType,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.persist(); err != nil {
		if hadPrevious {
			s.data.UploadHandles[params.VideoID] = previous
		} else {
			delete(s.data.UploadHandles, params.VideoID)
		}
		return IssuedUpload{}, err
	}

	return IssuedUpload{UploadURL: uploadURL, StorageKey: key, ExpiresAt: expiresAt}, nil
}

// MarkUploadComplete transitions the video from pending to processing once
// the client reports the object landed. The reported key must match the
// handle issued for this video; an unknown or stale key is rejected so a
// lost upload URL cannot flip someone else's record. Under concurrent calls
// exactly one caller observes the transition.
func (s *Storage) MarkUploadComplete(videoID, requesterID, storageKey string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[videoID]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	if video.OwnerID != requesterID {
		return models.Video{}, fmt.Errorf("video %s: %w", videoID, ErrForbidden)
	}
	if video.Status != models.StatusPending {
		return models.Video{}, fmt.Errorf("video %s is %s: %w", videoID, video.Status, ErrInvalidState)
	}

	handle, ok := s.data.UploadHandles[videoID]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s has no pending upload: %w", videoID, ErrInvalidState)
	}
	key := strings.TrimSpace(storageKey)
	if key == "" || key != handle.StorageKey {
		return models.Video{}, fmt.Errorf("storage key does not match issued upload: %w", ErrInvalidState)
	}

	snapshot := cloneDataset(s.data)

	now := time.Now().UTC()
	video.Status = models.StatusProcessing
	video.RawSourceKey = handle.StorageKey
	video.UpdatedAt = now
	s.data.Videos[videoID] = video

	handle.ConsumedAt = &now
	s.data.UploadHandles[videoID] = handle

	if err := s.persist(); err != nil {
		s.data = snapshot
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// CompleteProcessing records the transcoder's outputs and finishes the run.
// Outputs must be non-empty; a completed video always has playable renditions.
func (s *Storage) CompleteProcessing(videoID string, outputs []models.Output, masterPlaylistURL string) (models.Video, error) {
	if len(outputs) == 0 {
		return models.Video{}, errors.New("at least one output is required")
	}
	for _, output := range outputs {
		if strings.TrimSpace(output.Quality) == "" || strings.TrimSpace(output.URL) == "" {
			return models.Video{}, errors.New("output quality and url are required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[videoID]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	if !video.Status.CanTransition(models.StatusCompleted) {
		return models.Video{}, fmt.Errorf("video %s is %s: %w", videoID, video.Status, ErrInvalidState)
	}

	original := video
	video.Status = models.StatusCompleted
	video.Outputs = append([]models.Output(nil), outputs...)
	video.MasterPlaylistURL = strings.TrimSpace(masterPlaylistURL)
	video.ProcessingError = ""
	video.UpdatedAt = time.Now().UTC()

	s.data.Videos[videoID] = video
	if err := s.persist(); err != nil {
		s.data.Videos[videoID] = original
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// FailProcessing marks the run failed and keeps the reason for the owner.
func (s *Storage) FailProcessing(videoID, reason string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[videoID]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	if !video.Status.CanTransition(models.StatusFailed) {
		return models.Video{}, fmt.Errorf("video %s is %s: %w", videoID, video.Status, ErrInvalidState)
	}

	original := video
	video.Status = models.StatusFailed
	video.ProcessingError = strings.TrimSpace(reason)
	video.UpdatedAt = time.Now().UTC()

	s.data.Videos[videoID] = video
	if err := s.persist(); err != nil {
		s.data.Videos[videoID] = original
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}
