// Package events publishes lifecycle notifications for downstream consumers
// such as mailers, recommendation feeds, and audit pipelines. Publishing is
// best effort: API handlers log a failed publish and carry on, so an outage
// in the event backend never fails a user request.
package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	TypeUserRegistered     = "user.registered"
	TypeUserVerified       = "user.verified"
	TypeVideoCreated       = "video.created"
	TypeVideoStatusChanged = "video.status.changed"
	TypeVideoDeleted       = "video.deleted"
)

// Event is a single lifecycle notification. VideoID and UserID are set when
// the event concerns that entity; Data carries small string details such as
// the old and new processing status.
type Event struct {
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurredAt"`
	UserID     string            `json:"userId,omitempty"`
	VideoID    string            `json:"videoId,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// Publisher delivers events to a backend.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the structured log. It is the default
// backend and the fallback for local development.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	attrs := []any{"type", event.Type}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.VideoID != "" {
		attrs = append(attrs, "video_id", event.VideoID)
	}
	for key, value := range event.Data {
		attrs = append(attrs, key, value)
	}
	p.logger.Info("event published", attrs...)
	return nil
}

// Fill stamps the occurrence time when the caller left it zero.
func Fill(event Event) Event {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return event
}
