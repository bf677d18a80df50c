package storage

import (
	"context"

	"vodhub/internal/models"
)

// Repository exposes the datastore operations required by API handlers and
// the transcoding pipeline. Both the JSON and Postgres drivers satisfy it,
// so the backing store is swappable through configuration alone.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(handle, password string) (models.User, error)
	GetUser(id string) (models.User, bool)
	FindUserByHandle(handle string) (models.User, bool)
	MarkUserVerified(id string) (models.User, error)

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id, requesterID string) (models.Video, error)
	PeekVideo(id string) (models.Video, bool)
	ListPublished(page, pageSize int) ([]models.Video, int, error)
	ListByOwner(ownerID string, page, pageSize int) ([]models.Video, int, error)
	ListByStatus(status models.ProcessingStatus) ([]models.Video, error)
	UpdateVideo(id, requesterID string, update VideoUpdate) (models.Video, error)
	DeleteVideo(id, requesterID string) error

	IssueUploadHandle(params IssueUploadHandleParams) (IssuedUpload, error)
	MarkUploadComplete(videoID, requesterID, storageKey string) (models.Video, error)
	CompleteProcessing(videoID string, outputs []models.Output, masterPlaylistURL string) (models.Video, error)
	FailProcessing(videoID, reason string) (models.Video, error)
}

var _ Repository = (*Storage)(nil)

// NewJSONRepository opens the file-backed store at path, typed as a
// Repository so callers keep the driver swappable.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}
