package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"vodhub/internal/models"
)

// Snapshot is the on-disk layout of the JSON store, exposed so a live store
// file can be read back and replayed into another driver.
type Snapshot struct {
	Users         map[string]models.User         `json:"users"`
	Videos        map[string]models.Video        `json:"videos"`
	UploadHandles map[string]models.UploadHandle `json:"uploadHandles"`
}

// SnapshotCounts reports how many records of each kind a snapshot holds.
type SnapshotCounts struct {
	Users         int
	Videos        int
	VideoOutputs  int
	UploadHandles int
}

// LoadSnapshotFromJSON reads a JSON store file into a Snapshot. An empty or
// whitespace-only file loads as an empty snapshot.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	snapshot := &Snapshot{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
		}
	}
	snapshot.ensureInitialized()
	return snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Users == nil {
		s.Users = make(map[string]models.User)
	}
	if s.Videos == nil {
		s.Videos = make(map[string]models.Video)
	}
	if s.UploadHandles == nil {
		s.UploadHandles = make(map[string]models.UploadHandle)
	}
}

// Validate reports records that reference a missing parent: videos owned by
// an unknown user, or upload handles for an unknown video.
func (s *Snapshot) Validate() error {
	for id, video := range s.Videos {
		if _, ok := s.Users[video.OwnerID]; !ok {
			return fmt.Errorf("video %s references unknown owner %s", id, video.OwnerID)
		}
	}
	for videoID := range s.UploadHandles {
		if _, ok := s.Videos[videoID]; !ok {
			return fmt.Errorf("upload handle references unknown video %s", videoID)
		}
	}
	return nil
}

// Counts tallies the snapshot's collections, including the renditions nested
// inside each video record.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	counts := SnapshotCounts{
		Users:         len(s.Users),
		Videos:        len(s.Videos),
		UploadHandles: len(s.UploadHandles),
	}
	for _, video := range s.Videos {
		counts.VideoOutputs += len(video.Outputs)
	}
	return counts
}

// ImportSnapshotToPostgres bulk-loads a snapshot into a Postgres-backed
// repository. The snapshot is validated first, so a broken export fails with
// the offending record named instead of a foreign key violation mid-import.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return ErrPostgresUnavailable
	}
	snapshot.ensureInitialized()
	if err := snapshot.Validate(); err != nil {
		return fmt.Errorf("validate snapshot: %w", err)
	}
	return pgRepo.importSnapshot(ctx, snapshot)
}
