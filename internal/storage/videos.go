package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"vodhub/internal/models"
	"vodhub/internal/objectstore"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// CreateVideoParams captures the caller-supplied metadata for a new record.
// Processing state always starts at pending regardless of input.
type CreateVideoParams struct {
	OwnerID         string
	Title           string
	Description     string
	ThumbnailURL    string
	DurationSeconds int
}

// VideoUpdate enumerates owner-mutable fields. Processing status and media
// references are deliberately absent; only the state machine writes those.
type VideoUpdate struct {
	Title           *string
	Description     *string
	ThumbnailURL    *string
	DurationSeconds *int
	Published       *bool
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func paginate(videos []models.Video, page, pageSize int) []models.Video {
	start := (page - 1) * pageSize
	if start >= len(videos) {
		return []models.Video{}
	}
	end := start + pageSize
	if end > len(videos) {
		end = len(videos)
	}
	return videos[start:end]
}

func sortByCreatedDesc(videos []models.Video) {
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID > videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	ownerID := strings.TrimSpace(params.OwnerID)
	if ownerID == "" {
		return models.Video{}, errors.New("owner id is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, errors.New("title is required")
	}
	if len(title) > maxTitleLength {
		return models.Video{}, fmt.Errorf("title exceeds %d characters", maxTitleLength)
	}
	if params.DurationSeconds < 0 {
		return models.Video{}, errors.New("durationSeconds must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	if _, ok := s.data.Users[ownerID]; !ok {
		return models.Video{}, fmt.Errorf("user %s: %w", ownerID, ErrNotFound)
	}

	now := time.Now().UTC()
	video := models.Video{
		ID:              generateID(),
		OwnerID:         ownerID,
		Title:           title,
		Description:     strings.TrimSpace(params.Description),
		ThumbnailURL:    strings.TrimSpace(params.ThumbnailURL),
		DurationSeconds: params.DurationSeconds,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.data.Videos[video.ID] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, video.ID)
		return models.Video{}, err
	}

	return video, nil
}

// GetVideo returns the record when visible to the requester and counts the
// view. An unpublished video is reported as missing to everyone but its
// owner, so the response never reveals that the record exists.
func (s *Storage) GetVideo(id, requesterID string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if !video.Published && video.OwnerID != requesterID {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}

	original := video
	video.ViewCount++
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// PeekVideo returns the record without visibility masking or view counting.
// It backs internal consumers such as the dispatcher.
func (s *Storage) PeekVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(video), true
}

// ListPublished returns the public catalog page ordered newest first, along
// with the total number of published records.
func (s *Storage) ListPublished(page, pageSize int) ([]models.Video, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if !video.Published {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sortByCreatedDesc(videos)
	total := len(videos)
	return paginate(videos, page, pageSize), total, nil
}

// ListByOwner returns the owner's videos in every processing state, newest
// first.
func (s *Storage) ListByOwner(ownerID string, page, pageSize int) ([]models.Video, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if video.OwnerID != ownerID {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sortByCreatedDesc(videos)
	total := len(videos)
	return paginate(videos, page, pageSize), total, nil
}

// ListByStatus returns every video in the given processing state, newest
// first. The transcoding dispatcher uses it at boot to requeue work that was
// in flight when the previous process stopped.
func (s *Storage) ListByStatus(status models.ProcessingStatus) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if video.Status != status {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sortByCreatedDesc(videos)
	return videos, nil
}

func (s *Storage) UpdateVideo(id, requesterID string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if video.OwnerID != requesterID {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrForbidden)
	}

	original := video
	if err := applyVideoUpdate(&video, update); err != nil {
		return models.Video{}, err
	}

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// applyVideoUpdate validates and folds the requested changes into the record.
// Both store drivers share it so field rules cannot drift between backends.
func applyVideoUpdate(video *models.Video, update VideoUpdate) error {
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return errors.New("title cannot be empty")
		}
		if len(title) > maxTitleLength {
			return fmt.Errorf("title exceeds %d characters", maxTitleLength)
		}
		video.Title = title
	}
	if update.Description != nil {
		video.Description = strings.TrimSpace(*update.Description)
	}
	if update.ThumbnailURL != nil {
		video.ThumbnailURL = strings.TrimSpace(*update.ThumbnailURL)
	}
	if update.DurationSeconds != nil {
		if *update.DurationSeconds < 0 {
			return errors.New("durationSeconds must be non-negative")
		}
		video.DurationSeconds = *update.DurationSeconds
	}
	if update.Published != nil {
		video.Published = *update.Published
	}
	video.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteVideo removes the record along with any stored objects. Object
// deletions run concurrently and best effort: a storage failure is logged but
// never blocks removal of the record itself.
func (s *Storage) DeleteVideo(id, requesterID string) error {
	s.mu.Lock()

	video, ok := s.data.Videos[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if video.OwnerID != requesterID {
		s.mu.Unlock()
		return fmt.Errorf("video %s: %w", id, ErrForbidden)
	}

	snapshot := cloneDataset(s.data)
	delete(s.data.Videos, id)
	delete(s.data.UploadHandles, id)
	if err := s.persist(); err != nil {
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.deleteVideoObjects(video)
	return nil
}

func (s *Storage) deleteVideoObjects(video models.Video) {
	purgeVideoObjects(s.objectClient, s.objectStorage.RequestBudget(), s.logger, video)
}

// purgeVideoObjects deletes every stored object referenced by the video.
// Failures are logged and swallowed; record deletion already succeeded.
func purgeVideoObjects(client objectstore.Client, requestBudget time.Duration, logger *slog.Logger, video models.Video) {
	if client == nil || !client.Enabled() {
		return
	}
	keys := objectKeysForVideo(video)
	if len(keys) == 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	var group errgroup.Group
	for _, key := range keys {
		key := key
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
			defer cancel()
			if err := client.Delete(ctx, key); err != nil {
				logger.Warn("failed to delete stored object", "video_id", video.ID, "key", key, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func objectKeysForVideo(video models.Video) []string {
	keys := make([]string, 0, len(video.Outputs)+1)
	seen := make(map[string]struct{})
	appendKey := func(key string) {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			return
		}
		if _, exists := seen[trimmed]; exists {
			return
		}
		seen[trimmed] = struct{}{}
		keys = append(keys, trimmed)
	}
	appendKey(video.RawSourceKey)
	for _, output := range video.Outputs {
		appendKey(storageKeyFromURL(output.URL))
	}
	appendKey(storageKeyFromURL(video.MasterPlaylistURL))
	return keys
}

// storageKeyFromURL extracts an object key from a playback URL when the URL
// points into the configured bucket layout. Absolute URLs on foreign hosts
// yield an empty key and are skipped.
func storageKeyFromURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		return strings.TrimLeft(trimmed, "/")
	}
	marker := "/videos/"
	idx := strings.Index(trimmed, marker)
	if idx < 0 {
		return ""
	}
	return strings.TrimLeft(trimmed[idx:], "/")
}
