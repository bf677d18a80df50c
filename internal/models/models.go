package models

import (
	"strings"
	"time"
)

// ProcessingStatus tracks a video through its lifecycle. Transitions only
// move forward: pending -> processing -> completed or failed.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether the status is one of the four lifecycle states.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal step. Every
// store driver consults this table so the drivers cannot drift apart.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Handle       string    `json:"handle"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HandleKey returns the canonical form used for uniqueness checks.
func HandleKey(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// Output is one rendition produced by transcoding, e.g. {"720p", ".../720p.m3u8"}.
type Output struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

type Video struct {
	ID                string           `json:"id"`
	OwnerID           string           `json:"ownerId"`
	Title             string           `json:"title"`
	Description       string           `json:"description,omitempty"`
	ThumbnailURL      string           `json:"thumbnailUrl,omitempty"`
	DurationSeconds   int              `json:"durationSeconds,omitempty"`
	Published         bool             `json:"published"`
	Status            ProcessingStatus `json:"status"`
	ProcessingError   string           `json:"processingError,omitempty"`
	RawSourceKey      string           `json:"rawSourceKey,omitempty"`
	Outputs           []Output         `json:"outputs,omitempty"`
	MasterPlaylistURL string           `json:"masterPlaylistUrl,omitempty"`
	ViewCount         int64            `json:"viewCount"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// UploadHandle records the presigned upload issued for a video. At most one
// handle is active per video; issuing a new one replaces the previous handle
// and a successful upload-complete consumes it.
type UploadHandle struct {
	VideoID     string     `json:"videoId"`
	StorageKey  string     `json:"storageKey"`
	ContentType string     `json:"contentType"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConsumedAt  *time.Time `json:"consumedAt,omitempty"`
}
