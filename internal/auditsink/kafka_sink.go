package auditsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"account-security/internal/models"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes entries keyed by user id so each user's events land
// on one partition in order.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, entry *models.AuditLogEntry) error {
	value, err := json.Marshal(toDocument(entry))
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	key := entry.UserID
	if key == "" {
		key = entry.IPAddress
	}
	headers := map[string]string{
		"action":  string(entry.Action),
		"success": strconv.FormatBool(entry.Success),
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, headers)
}
