package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSubmitter publishes transcoding jobs to a Kafka topic keyed by video
// ID, so retries for the same video land on the same partition in order.
type KafkaSubmitter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaSubmitter builds the writer and pings the first broker so
// misconfiguration surfaces at startup.
func NewKafkaSubmitter(brokers []string, topic string, logger *slog.Logger) (*KafkaSubmitter, error) {
	cleaned := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		broker = strings.TrimSpace(broker)
		if broker != "" {
			cleaned = append(cleaned, broker)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = "transcode.jobs"
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", cleaned[0])
	if err != nil {
		return nil, fmt.Errorf("dial kafka broker %s: %w", cleaned[0], err)
	}
	controller, err := conn.Controller()
	_ = conn.Close()
	if err != nil {
		return nil, fmt.Errorf("resolve kafka controller: %w", err)
	}
	logger.Info("connected to kafka", "controller", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)), "topic", topic)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cleaned...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaSubmitter{writer: writer, logger: logger}, nil
}

func (s *KafkaSubmitter) Submit(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode transcode job: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.VideoID),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("publish transcode job: %w", err)
	}
	s.logger.Info("transcode job published", "topic", s.writer.Topic, "video_id", job.VideoID)
	return nil
}

func (s *KafkaSubmitter) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
