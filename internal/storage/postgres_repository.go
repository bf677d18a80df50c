package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodhub/internal/models"
	"vodhub/internal/objectstore"
)

// ErrPostgresUnavailable is returned when an operation requires the Postgres
// repository but none is configured or reachable.
var ErrPostgresUnavailable = fmt.Errorf("postgres repository unavailable")

const (
	usersTable         = "users"
	videosTable        = "videos"
	uploadHandlesTable = "upload_handles"
)

var videoColumns = []string{
	"id",
	"owner_id",
	"title",
	"description",
	"thumbnail_url",
	"duration_seconds",
	"published",
	"status",
	"processing_error",
	"raw_source_key",
	"outputs",
	"master_playlist_url",
	"view_count",
	"created_at",
	"updated_at",
}

var userColumns = []string{
	"id",
	"handle",
	"email",
	"password_hash",
	"verified",
	"created_at",
}

type postgresRepository struct {
	pool           *pgxpool.Pool
	builder        squirrel.StatementBuilderType
	objectStorage  objectstore.Config
	objectClient   objectstore.Client
	logger         *slog.Logger
	uploadTTL      time.Duration
	acquireTimeout time.Duration
}

// NewPostgresRepository opens a Postgres-backed repository and bootstraps the
// schema when it is missing.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg := newSettings(opts)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.pool.apply(poolCfg)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{
		pool:           pool,
		builder:        squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		objectStorage:  cfg.objectStorage,
		objectClient:   cfg.objectClient,
		logger:         cfg.logger,
		uploadTTL:      cfg.uploadTTL,
		acquireTimeout: cfg.pool.acquireTimeout,
	}
	if repo.objectClient == nil {
		client, err := objectstore.New(repo.objectStorage)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("configure object storage: %w", err)
		}
		repo.objectClient = client
	}
	if err := repo.ensureSchema(); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not initialised")
	}
	return r.pool.Ping(ctx)
}

// withConn acquires a pooled connection under the configured acquire timeout
// and hands it to fn together with the deadline-bearing context.
func (r *postgresRepository) withConn(fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	ctx := context.Background()
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

// rollbackTx is deferred after BeginTx. Rolling back a committed transaction
// returns pgx.ErrTxClosed, which is expected and ignored.
func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_handle_key ON users (LOWER(handle))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (LOWER(email)) WHERE email <> ''`,
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		processing_error TEXT NOT NULL DEFAULT '',
		raw_source_key TEXT NOT NULL DEFAULT '',
		outputs JSONB NOT NULL DEFAULT '[]',
		master_playlist_url TEXT NOT NULL DEFAULT '',
		view_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS videos_published_created_idx ON videos (published, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS videos_owner_created_idx ON videos (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS upload_handles (
		video_id TEXT PRIMARY KEY REFERENCES videos (id) ON DELETE CASCADE,
		storage_key TEXT NOT NULL,
		content_type TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ
	)`,
}

func (r *postgresRepository) ensureSchema() error {
	return r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		for _, stmt := range schemaStatements {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Handle, &user.Email, &user.PasswordHash, &user.Verified, &user.CreatedAt)
	if err != nil {
		return models.User{}, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var status string
	var outputs []byte
	err := row.Scan(
		&video.ID,
		&video.OwnerID,
		&video.Title,
		&video.Description,
		&video.ThumbnailURL,
		&video.DurationSeconds,
		&video.Published,
		&status,
		&video.ProcessingError,
		&video.RawSourceKey,
		&outputs,
		&video.MasterPlaylistURL,
		&video.ViewCount,
		&video.CreatedAt,
		&video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.ProcessingStatus(status)
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &video.Outputs); err != nil {
			return models.Video{}, fmt.Errorf("decode video outputs: %w", err)
		}
	}
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}

func encodeOutputs(outputs []models.Output) ([]byte, error) {
	if outputs == nil {
		outputs = []models.Output{}
	}
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("encode video outputs: %w", err)
	}
	return encoded, nil
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	handle := strings.TrimSpace(params.Handle)
	if handle == "" {
		return models.User{}, errors.New("handle is required")
	}
	if len(handle) > maxHandleLength {
		return models.User{}, fmt.Errorf("handle exceeds %d characters", maxHandleLength)
	}
	if strings.TrimSpace(params.Password) == "" {
		return models.User{}, errors.New("password is required")
	}
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email != "" && !strings.Contains(email, "@") {
		return models.User{}, fmt.Errorf("invalid email %s", email)
	}

	hash, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           generateID(),
		Handle:       handle,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}

	sql, args, err := r.builder.
		Insert(usersTable).
		Columns(userColumns...).
		Values(user.ID, user.Handle, user.Email, user.PasswordHash, user.Verified, user.CreatedAt).
		ToSql()
	if err != nil {
		return models.User{}, fmt.Errorf("build insert user: %w", err)
	}

	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		_, execErr := conn.Exec(ctx, sql, args...)
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("handle %s: %w", handle, ErrDuplicateHandle)
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(handle, password string) (models.User, error) {
	sql, args, err := r.builder.
		Select(userColumns...).
		From(usersTable).
		Where("LOWER(handle) = ?", models.HandleKey(handle)).
		ToSql()
	if err != nil {
		return models.User{}, fmt.Errorf("build select user: %w", err)
	}

	var user models.User
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		found, scanErr := scanUser(conn.QueryRow(ctx, sql, args...))
		if scanErr != nil {
			return scanErr
		}
		user = found
		return nil
	})
	if err != nil {
		if isNoRows(err) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	sql, args, err := r.builder.
		Select(userColumns...).
		From(usersTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return models.User{}, false
	}

	var user models.User
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		found, scanErr := scanUser(conn.QueryRow(ctx, sql, args...))
		if scanErr != nil {
			return scanErr
		}
		user = found
		return nil
	})
	if err != nil {
		if !isNoRows(err) {
			r.logger.Warn("failed to load user", "user_id", id, "error", err)
		}
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FindUserByHandle(handle string) (models.User, bool) {
	sql, args, err := r.builder.
		Select(userColumns...).
		From(usersTable).
		Where("LOWER(handle) = ?", models.HandleKey(handle)).
		ToSql()
	if err != nil {
		return models.User{}, false
	}

	var user models.User
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		found, scanErr := scanUser(conn.QueryRow(ctx, sql, args...))
		if scanErr != nil {
			return scanErr
		}
		user = found
		return nil
	})
	if err != nil {
		if !isNoRows(err) {
			r.logger.Warn("failed to load user by handle", "handle", handle, "error", err)
		}
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) MarkUserVerified(id string) (models.User, error) {
	sql, args, err := r.builder.
		Update(usersTable).
		Set("verified", true).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(userColumns, ", ")).
		ToSql()
	if err != nil {
		return models.User{}, fmt.Errorf("build verify user: %w", err)
	}

	var user models.User
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		found, scanErr := scanUser(conn.QueryRow(ctx, sql, args...))
		if scanErr != nil {
			return scanErr
		}
		user = found
		return nil
	})
	if err != nil {
		if isNoRows(err) {
			return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return models.User{}, fmt.Errorf("verify user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
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
	outputs, err := encodeOutputs(nil)
	if err != nil {
		return models.Video{}, err
	}

	sql, args, err := r.builder.
		Insert(videosTable).
		Columns(videoColumns...).
		Values(
			video.ID,
			video.OwnerID,
			video.Title,
			video.Description,
			video.ThumbnailURL,
			video.DurationSeconds,
			video.Published,
			string(video.Status),
			video.ProcessingError,
			video.RawSourceKey,
			outputs,
			video.MasterPlaylistURL,
			video.ViewCount,
			video.CreatedAt,
			video.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return models.Video{}, fmt.Errorf("build insert video: %w", err)
	}

	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		_, execErr := conn.Exec(ctx, sql, args...)
		return execErr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Video{}, fmt.Errorf("user %s: %w", ownerID, ErrNotFound)
		}
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

// GetVideo bumps the view counter and returns the row in one statement. The
// visibility predicate lives in the WHERE clause, so a masked or missing
// video affects zero rows and counts nothing.
func (r *postgresRepository) GetVideo(id, requesterID string) (models.Video, error) {
	sql, args, err := r.builder.
		Update(videosTable).
		Set("view_count", squirrel.Expr("view_count + 1")).
		Where(squirrel.And{
			squirrel.Eq{"id": id},
			squirrel.Or{
				squirrel.Eq{"published": true},
				squirrel.Eq{"owner_id": requesterID},
			},
		}).
		Suffix("RETURNING " + strings.Join(videoColumns, ", ")).
		ToSql()
	if err != nil {
		return models.Video{}, fmt.Errorf("build get video: %w", err)
	}

	var video models.Video
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		found, scanErr := scanVideo(conn.QueryRow(ctx, sql, args...))
		if scanErr != nil {
			return scanErr
		}
		video = found
		return nil
	})
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		return models.Video{}, fmt.Errorf("query video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) PeekVideo(id string) (models.Video, bool) {
	sql, args, err := r.builder.
		Select(videoColumns...).
		From(videosTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return models.Video{}, false
	}

	var video models.Video
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		found, scanErr := scanVideo(conn.QueryRow(ctx, sql, args...))
		if scanErr != nil {
			return scanErr
		}
		video = found
		return nil
	})
	if err != nil {
		if !isNoRows(err) {
			r.logger.Warn("failed to load video", "video_id", id, "error", err)
		}
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) listVideos(where squirrel.Sqlizer, page, pageSize int) ([]models.Video, int, error) {
	page, pageSize = normalizePage(page, pageSize)
	offset := uint64((page - 1) * pageSize)

	listSQL, listArgs, err := r.builder.
		Select(videoColumns...).
		From(videosTable).
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(pageSize)).
		Offset(offset).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list videos: %w", err)
	}
	countSQL, countArgs, err := r.builder.
		Select("COUNT(*)").
		From(videosTable).
		Where(where).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count videos: %w", err)
	}

	videos := make([]models.Video, 0, pageSize)
	total := 0
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		if scanErr := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); scanErr != nil {
			return fmt.Errorf("count videos: %w", scanErr)
		}
		rows, queryErr := conn.Query(ctx, listSQL, listArgs...)
		if queryErr != nil {
			return fmt.Errorf("list videos: %w", queryErr)
		}
		defer rows.Close()
		for rows.Next() {
			video, scanErr := scanVideo(rows)
			if scanErr != nil {
				return scanErr
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return videos, total, nil
}

func (r *postgresRepository) ListPublished(page, pageSize int) ([]models.Video, int, error) {
	return r.listVideos(squirrel.Eq{"published": true}, page, pageSize)
}

func (r *postgresRepository) ListByOwner(ownerID string, page, pageSize int) ([]models.Video, int, error) {
	return r.listVideos(squirrel.Eq{"owner_id": ownerID}, page, pageSize)
}

// ListByStatus returns every video in the given processing state, newest
// first. Unlike the paged listings it scans the whole table, which stays
// cheap because only in-flight videos ever match at boot.
func (r *postgresRepository) ListByStatus(status models.ProcessingStatus) ([]models.Video, error) {
	sql, args, err := r.builder.
		Select(videoColumns...).
		From(videosTable).
		Where(squirrel.Eq{"status": string(status)}).
		OrderBy("created_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list videos by status: %w", err)
	}

	videos := make([]models.Video, 0)
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, queryErr := conn.Query(ctx, sql, args...)
		if queryErr != nil {
			return fmt.Errorf("query videos by status: %w", queryErr)
		}
		defer rows.Close()
		for rows.Next() {
			video, scanErr := scanVideo(rows)
			if scanErr != nil {
				return fmt.Errorf("scan video: %w", scanErr)
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return videos, nil
}

// getVideoForUpdate fetches the row with a row lock held for the remainder of
// the transaction.
func (r *postgresRepository) getVideoForUpdate(ctx context.Context, tx pgx.Tx, id string) (models.Video, error) {
	sql, args, err := r.builder.
		Select(videoColumns...).
		From(videosTable).
		Where(squirrel.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return models.Video{}, fmt.Errorf("build select video: %w", err)
	}
	video, err := scanVideo(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		return models.Video{}, fmt.Errorf("query video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) saveVideo(ctx context.Context, tx pgx.Tx, video models.Video) error {
	outputs, err := encodeOutputs(video.Outputs)
	if err != nil {
		return err
	}
	sql, args, err := r.builder.
		Update(videosTable).
		Set("title", video.Title).
		Set("description", video.Description).
		Set("thumbnail_url", video.ThumbnailURL).
		Set("duration_seconds", video.DurationSeconds).
		Set("published", video.Published).
		Set("status", string(video.Status)).
		Set("processing_error", video.ProcessingError).
		Set("raw_source_key", video.RawSourceKey).
		Set("outputs", outputs).
		Set("master_playlist_url", video.MasterPlaylistURL).
		Set("updated_at", video.UpdatedAt).
		Where(squirrel.Eq{"id": video.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update video: %w", err)
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", video.ID, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) UpdateVideo(id, requesterID string, update VideoUpdate) (models.Video, error) {
	var updated models.Video
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin update transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		video, err := r.getVideoForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if video.OwnerID != requesterID {
			return fmt.Errorf("video %s: %w", id, ErrForbidden)
		}
		if err := applyVideoUpdate(&video, update); err != nil {
			return err
		}
		if err := r.saveVideo(ctx, tx, video); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit update: %w", err)
		}
		updated = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return updated, nil
}

func (r *postgresRepository) DeleteVideo(id, requesterID string) error {
	var deleted models.Video
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin delete transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		video, err := r.getVideoForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if video.OwnerID != requesterID {
			return fmt.Errorf("video %s: %w", id, ErrForbidden)
		}

		sql, args, err := r.builder.
			Delete(videosTable).
			Where(squirrel.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete video: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("delete video: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit delete: %w", err)
		}
		deleted = video
		return nil
	})
	if err != nil {
		return err
	}
	purgeVideoObjects(r.objectClient, r.objectStorage.RequestBudget(), r.logger, deleted)
	return nil
}

func (r *postgresRepository) IssueUploadHandle(params IssueUploadHandleParams) (IssuedUpload, error) {
	ext, err := uploadExtension(params.FileName)
	if err != nil {
		return IssuedUpload{}, err
	}
	contentType, err := validateUploadContentType(params.ContentType)
	if err != nil {
		return IssuedUpload{}, err
	}
	if r.objectClient == nil || !r.objectClient.Enabled() {
		return IssuedUpload{}, fmt.Errorf("object storage: %w", ErrUnavailable)
	}

	var issued IssuedUpload
	err = r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin upload transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		video, err := r.getVideoForUpdate(ctx, tx, params.VideoID)
		if err != nil {
			return err
		}
		if video.OwnerID != params.RequesterID {
			return fmt.Errorf("video %s: %w", params.VideoID, ErrForbidden)
		}
		if video.Status != models.StatusPending {
			return fmt.Errorf("video %s is %s: %w", params.VideoID, video.Status, ErrInvalidState)
		}

		key := rawSourceKey(ext)
		uploadURL, expiresAt, err := r.objectClient.PresignPut(ctx, key, contentType)
		if err != nil {
			return fmt.Errorf("presign upload: %w: %v", ErrUnavailable, err)
		}

		sql, args, err := r.builder.
			Insert(uploadHandlesTable).
			Columns("video_id", "storage_key", "content_type", "expires_at", "created_at", "consumed_at").
			Values(params.VideoID, key, contentType, expiresAt, time.Now().UTC(), nil).
			Suffix("ON CONFLICT (video_id) DO UPDATE SET storage_key = EXCLUDED.storage_key, content_type = EXCLUDED.content_type, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at, consumed_at = NULL").
			ToSql()
		if err != nil {
			return fmt.Errorf("build upsert upload handle: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("upsert upload handle: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit upload handle: %w", err)
		}
		issued = IssuedUpload{UploadURL: uploadURL, StorageKey: key, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return IssuedUpload{}, err
	}
	return issued, nil
}

func (r *postgresRepository) MarkUploadComplete(videoID, requesterID, storageKey string) (models.Video, error) {
	var updated models.Video
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin complete transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		video, err := r.getVideoForUpdate(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if video.OwnerID != requesterID {
			return fmt.Errorf("video %s: %w", videoID, ErrForbidden)
		}
		if video.Status != models.StatusPending {
			return fmt.Errorf("video %s is %s: %w", videoID, video.Status, ErrInvalidState)
		}

		handleSQL, handleArgs, err := r.builder.
			Select("storage_key").
			From(uploadHandlesTable).
			Where(squirrel.And{
				squirrel.Eq{"video_id": videoID},
				squirrel.Eq{"consumed_at": nil},
			}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build select upload handle: %w", err)
		}
		var recordedKey string
		if err := tx.QueryRow(ctx, handleSQL, handleArgs...).Scan(&recordedKey); err != nil {
			if isNoRows(err) {
				return fmt.Errorf("video %s has no pending upload: %w", videoID, ErrInvalidState)
			}
			return fmt.Errorf("query upload handle: %w", err)
		}
		key := strings.TrimSpace(storageKey)
		if key == "" || key != recordedKey {
			return fmt.Errorf("storage key does not match issued upload: %w", ErrInvalidState)
		}

		now := time.Now().UTC()
		video.Status = models.StatusProcessing
		video.RawSourceKey = recordedKey
		video.UpdatedAt = now
		if err := r.saveVideo(ctx, tx, video); err != nil {
			return err
		}

		consumeSQL, consumeArgs, err := r.builder.
			Update(uploadHandlesTable).
			Set("consumed_at", now).
			Where(squirrel.Eq{"video_id": videoID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build consume upload handle: %w", err)
		}
		if _, err := tx.Exec(ctx, consumeSQL, consumeArgs...); err != nil {
			return fmt.Errorf("consume upload handle: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit upload complete: %w", err)
		}
		updated = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return updated, nil
}

func (r *postgresRepository) CompleteProcessing(videoID string, outputs []models.Output, masterPlaylistURL string) (models.Video, error) {
	if len(outputs) == 0 {
		return models.Video{}, errors.New("at least one output is required")
	}
	for _, output := range outputs {
		if strings.TrimSpace(output.Quality) == "" || strings.TrimSpace(output.URL) == "" {
			return models.Video{}, errors.New("output quality and url are required")
		}
	}

	var updated models.Video
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin finish transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		video, err := r.getVideoForUpdate(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if !video.Status.CanTransition(models.StatusCompleted) {
			return fmt.Errorf("video %s is %s: %w", videoID, video.Status, ErrInvalidState)
		}

		video.Status = models.StatusCompleted
		video.Outputs = append([]models.Output(nil), outputs...)
		video.MasterPlaylistURL = strings.TrimSpace(masterPlaylistURL)
		video.ProcessingError = ""
		video.UpdatedAt = time.Now().UTC()
		if err := r.saveVideo(ctx, tx, video); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit finish: %w", err)
		}
		updated = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return updated, nil
}

func (r *postgresRepository) FailProcessing(videoID, reason string) (models.Video, error) {
	var updated models.Video
	err := r.withConn(func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin fail transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		video, err := r.getVideoForUpdate(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if !video.Status.CanTransition(models.StatusFailed) {
			return fmt.Errorf("video %s is %s: %w", videoID, video.Status, ErrInvalidState)
		}

		video.Status = models.StatusFailed
		video.ProcessingError = strings.TrimSpace(reason)
		video.UpdatedAt = time.Now().UTC()
		if err := r.saveVideo(ctx, tx, video); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit fail: %w", err)
		}
		updated = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return updated, nil
}

var _ Repository = (*postgresRepository)(nil)
