package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSubmitter publishes transcoding jobs to a durable RabbitMQ queue. A
// transcoding worker on the other side consumes jobs and reports back through
// the processing webhook.
type AMQPSubmitter struct {
	conn   *amqp.Connection
	queue  string
	logger *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewAMQPSubmitter dials the broker and declares the queue eagerly so a bad
// URL or unreachable broker fails at startup instead of on the first upload.
func NewAMQPSubmitter(url, queue string, logger *slog.Logger) (*AMQPSubmitter, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = "transcode.jobs"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &AMQPSubmitter{
		conn:    conn,
		queue:   queue,
		logger:  logger,
		channel: channel,
	}, nil
}

func (s *AMQPSubmitter) Submit(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode transcode job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish transcode job: %w", err)
	}
	s.logger.Info("transcode job published", "queue", s.queue, "video_id", job.VideoID)
	return nil
}

func (s *AMQPSubmitter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
