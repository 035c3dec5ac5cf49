// Package ingest publishes driver positions and lifecycle events to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/pickup-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
}

// NewKafkaProducer writes positions to locationsTopic and lifecycle events to
// eventsTopic. Both are keyed so one driver or request stays on one partition.
func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string) *KafkaProducer {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
	}
	return &KafkaProducer{locations: newWriter(locationsTopic), events: newWriter(eventsTopic)}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	return k.publish(ctx, k.locations, d.ID, d)
}

func (k *KafkaProducer) PublishEvent(ctx context.Context, ev models.Event) error {
	return k.publish(ctx, k.events, ev.RequestID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k == nil {
		return nil
	}
	var first error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
