// Package kafka wraps kafka-go with the event envelope used across services.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CloudEvent is the envelope every published event is wrapped in.
type CloudEvent struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	DataVersion string          `json:"dataversion"`
	Data        json.RawMessage `json:"data"`
}

// NewCloudEvent wraps a payload in a CloudEvent envelope.
func NewCloudEvent(source, eventType string, data any) (CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return CloudEvent{}, err
	}
	return CloudEvent{
		ID:          uuid.New().String(),
		Source:      source,
		Type:        eventType,
		Time:        time.Now().UTC(),
		DataVersion: "1.0",
		Data:        raw,
	}, nil
}

// ParseCloudEvent decodes an envelope and unmarshals its payload into out.
func ParseCloudEvent(raw []byte, out any) (CloudEvent, error) {
	var evt CloudEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return CloudEvent{}, err
	}
	if out != nil {
		if err := json.Unmarshal(evt.Data, out); err != nil {
			return CloudEvent{}, err
		}
	}
	return evt, nil
}

// Producer publishes CloudEvents to Kafka topics.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a Producer against the given brokers.
func NewProducer(brokers []string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Producer{writer: writer, logger: logger}
}

// Publish wraps the payload in a CloudEvent and writes it to the topic,
// keyed so events for the same entity stay ordered.
func (p *Producer) Publish(ctx context.Context, topic, source, eventType, key string, data any) error {
	evt, err := NewCloudEvent(source, eventType, data)
	if err != nil {
		return err
	}

	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.logger.Error("failed to publish event",
			zap.String("topic", topic),
			zap.String("type", eventType),
			zap.Error(err),
		)
		return err
	}

	p.logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("type", eventType),
		zap.String("key", key),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
