package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards events to Kafka, one topic per event type unless
// mapped otherwise. Events are keyed by ticket so per-ticket order holds.
type KafkaPublisher struct {
	writer       messageWriter
	topicByEvent map[EventType]string
	topicPrefix  string
}

func NewKafkaPublisher(brokers []string, topicPrefix string, topicByEvent map[EventType]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topicByEvent: topicByEvent,
		topicPrefix:  topicPrefix,
	}, nil
}

func (p *KafkaPublisher) topic(t EventType) string {
	if mapped, ok := p.topicByEvent[t]; ok && mapped != "" {
		return mapped
	}
	return p.topicPrefix + string(t)
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic(evt.Type),
		Key:   []byte(evt.Key()),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
