package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"vodhub/internal/models"
	"vodhub/internal/objectstore"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000

	maxHandleLength = 64
	maxTitleLength  = 255
)

type dataset struct {
	Users         map[string]models.User         `json:"users"`
	Videos        map[string]models.Video        `json:"videos"`
	UploadHandles map[string]models.UploadHandle `json:"uploadHandles"`
}

type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	objectStorage   objectstore.Config
	objectClient    objectstore.Client
	logger          *slog.Logger
	uploadTTL       time.Duration
}

func newDataset() dataset {
	return dataset{
		Users:         make(map[string]models.User),
		Videos:        make(map[string]models.Video),
		UploadHandles: make(map[string]models.UploadHandle),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	if s.data.UploadHandles == nil {
		s.data.UploadHandles = make(map[string]models.UploadHandle)
	}
}

// CreateUserParams captures the attributes that can be set when registering.
type CreateUserParams struct {
	Handle   string
	Email    string
	Password string
}

// NewStorage opens the JSON-file backed store, creating an empty dataset when
// the file does not exist yet.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	cfg := newSettings(opts)
	store := &Storage{
		filePath:      path,
		uploadTTL:     cfg.uploadTTL,
		logger:        cfg.logger,
		objectStorage: cfg.objectStorage,
		objectClient:  cfg.objectClient,
	}
	if store.objectClient == nil {
		client, err := objectstore.New(store.objectStorage)
		if err != nil {
			return nil, err
		}
		store.objectClient = client
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Ping reports whether the backing file's directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := dataset{}

	if src.Users != nil {
		clone.Users = make(map[string]models.User, len(src.Users))
		for id, user := range src.Users {
			clone.Users[id] = user
		}
	}

	if src.Videos != nil {
		clone.Videos = make(map[string]models.Video, len(src.Videos))
		for id, video := range src.Videos {
			clone.Videos[id] = cloneVideo(video)
		}
	}

	if src.UploadHandles != nil {
		clone.UploadHandles = make(map[string]models.UploadHandle, len(src.UploadHandles))
		for id, handle := range src.UploadHandles {
			clone.UploadHandles[id] = cloneUploadHandle(handle)
		}
	}

	return clone
}

func cloneVideo(video models.Video) models.Video {
	cloned := video
	if video.Outputs != nil {
		cloned.Outputs = append([]models.Output(nil), video.Outputs...)
	}
	return cloned
}

func cloneUploadHandle(handle models.UploadHandle) models.UploadHandle {
	cloned := handle
	if handle.ConsumedAt != nil {
		consumed := *handle.ConsumedAt
		cloned.ConsumedAt = &consumed
	}
	return cloned
}

// User operations

func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
	handle := strings.TrimSpace(params.Handle)
	if handle == "" {
		return models.User{}, errors.New("handle is required")
	}
	if len(handle) > maxHandleLength {
		return models.User{}, fmt.Errorf("handle exceeds %d characters", maxHandleLength)
	}
	if params.Password == "" {
		return models.User{}, errors.New("password is required")
	}
	email := strings.TrimSpace(strings.ToLower(params.Email))
	if email != "" && !strings.Contains(email, "@") {
		return models.User{}, errors.New("email is invalid")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	handleKey := models.HandleKey(handle)
	for _, user := range s.data.Users {
		if models.HandleKey(user.Handle) == handleKey {
			return models.User{}, fmt.Errorf("handle %s: %w", handle, ErrDuplicateHandle)
		}
		if email != "" && user.Email == email {
			return models.User{}, fmt.Errorf("email %s: %w", email, ErrDuplicateHandle)
		}
	}

	hashed, err := hashPassword(params.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := models.User{
		ID:           generateID(),
		Handle:       handle,
		Email:        email,
		PasswordHash: hashed,
		CreatedAt:    time.Now().UTC(),
	}

	s.data.Users[user.ID] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, user.ID)
		return models.User{}, err
	}

	return user, nil
}

func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

// FindUserByHandle looks up a user by handle, ignoring case.
func (s *Storage) FindUserByHandle(handle string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := models.HandleKey(handle)
	for _, user := range s.data.Users {
		if models.HandleKey(user.Handle) == key {
			return user, true
		}
	}
	return models.User{}, false
}

// AuthenticateUser verifies credentials and returns the matching user. A
// missing account and a wrong password both report ErrInvalidCredentials so
// callers cannot probe for registered handles.
func (s *Storage) AuthenticateUser(handle, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, ok := s.FindUserByHandle(handle)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

// MarkUserVerified flips the verification flag after a confirmed email.
func (s *Storage) MarkUserVerified(id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if user.Verified {
		return user, nil
	}

	original := user
	user.Verified = true
	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		s.data.Users[id] = original
		return models.User{}, err
	}
	return user, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
