package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodhub/internal/models"
)

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not initialised")
	}
	return r.withConn(func(_ context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		if err := r.importSnapshotUsers(ctx, tx, snapshot.Users); err != nil {
			return err
		}
		if err := r.importSnapshotVideos(ctx, tx, snapshot.Videos); err != nil {
			return err
		}
		if err := r.importSnapshotUploadHandles(ctx, tx, snapshot.UploadHandles); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit snapshot import: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) importSnapshotUsers(ctx context.Context, tx pgx.Tx, users map[string]models.User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		user := users[key]
		id := strings.TrimSpace(user.ID)
		if id == "" {
			id = key
		}
		createdAt := user.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		_, err := tx.Exec(ctx, "INSERT INTO users (id, handle, email, password_hash, verified, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING", id, strings.TrimSpace(user.Handle), strings.ToLower(strings.TrimSpace(user.Email)), strings.TrimSpace(user.PasswordHash), user.Verified, createdAt)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", id, err)
		}
	}
	return nil
}

func (r *postgresRepository) importSnapshotVideos(ctx context.Context, tx pgx.Tx, videos map[string]models.Video) error {
	if len(videos) == 0 {
		return nil
	}
	ids := make([]string, 0, len(videos))
	for id := range videos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		video := videos[key]
		id := strings.TrimSpace(video.ID)
		if id == "" {
			id = key
		}
		createdAt := video.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		updatedAt := video.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		} else {
			updatedAt = updatedAt.UTC()
		}
		status := video.Status
		if !status.Valid() {
			status = models.StatusPending
		}
		outputs, err := encodeOutputs(video.Outputs)
		if err != nil {
			return fmt.Errorf("encode outputs for video %s: %w", id, err)
		}
		_, err = tx.Exec(ctx, "INSERT INTO videos (id, owner_id, title, description, thumbnail_url, duration_seconds, published, status, processing_error, raw_source_key, outputs, master_playlist_url, view_count, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) ON CONFLICT (id) DO NOTHING", id, strings.TrimSpace(video.OwnerID), strings.TrimSpace(video.Title), video.Description, strings.TrimSpace(video.ThumbnailURL), video.DurationSeconds, video.Published, string(status), strings.TrimSpace(video.ProcessingError), strings.TrimSpace(video.RawSourceKey), outputs, strings.TrimSpace(video.MasterPlaylistURL), video.ViewCount, createdAt, updatedAt)
		if err != nil {
			return fmt.Errorf("insert video %s: %w", id, err)
		}
	}
	return nil
}

func (r *postgresRepository) importSnapshotUploadHandles(ctx context.Context, tx pgx.Tx, handles map[string]models.UploadHandle) error {
	if len(handles) == 0 {
		return nil
	}
	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		handle := handles[key]
		videoID := strings.TrimSpace(handle.VideoID)
		if videoID == "" {
			videoID = key
		}
		createdAt := handle.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		var consumed any
		if handle.ConsumedAt != nil && !handle.ConsumedAt.IsZero() {
			consumed = handle.ConsumedAt.UTC()
		}
		_, err := tx.Exec(ctx, "INSERT INTO upload_handles (video_id, storage_key, content_type, expires_at, created_at, consumed_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (video_id) DO NOTHING", videoID, strings.TrimSpace(handle.StorageKey), strings.TrimSpace(handle.ContentType), handle.ExpiresAt.UTC(), createdAt, consumed)
		if err != nil {
			return fmt.Errorf("insert upload handle %s: %w", videoID, err)
		}
	}
	return nil
}
