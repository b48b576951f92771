// Package kafka carries the event pipeline: committed state changes out to
// downstream consumers, directory notifications and replays back in.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/aliasdir/aliasdir/internal/domain/event"
)

// Emitter publishes events, keyed by key id so per-key ordering holds.
type Emitter struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// NewEmitter creates a Kafka producer for the event topic.
func NewEmitter(brokers []string, topic string, logger zerolog.Logger) (*Emitter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, err
	}
	return &Emitter{
		client: client,
		topic:  topic,
		logger: logger.With().Str("service", "emitter").Logger(),
	}, nil
}

// Emit publishes one event synchronously; the outbox worker owns retries.
func (e *Emitter) Emit(ctx context.Context, evt *event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: e.topic,
		Key:   []byte(evt.KeyID.String()),
		Value: payload,
	}
	return e.client.ProduceSync(ctx, record).FirstErr()
}

// Close flushes and closes the producer.
func (e *Emitter) Close() {
	e.client.Close()
}
