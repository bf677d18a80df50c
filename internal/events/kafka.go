package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a Kafka topic. Messages are keyed by the
// entity they concern so consumers see each video's or user's events in
// order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
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
		topic = "vodhub.events"
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
	_ = conn.Close()

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cleaned...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: writer, logger: logger}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	event = Fill(event)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(eventKey(event)),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func eventKey(event Event) string {
	if event.VideoID != "" {
		return event.VideoID
	}
	if event.UserID != "" {
		return event.UserID
	}
	return event.Type
}
