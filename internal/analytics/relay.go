package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adamj-ops/lending-os-sub002/internal/events/models"
)

// relayEnvelope is the wire shape of a relayed event. Amount-bearing payload
// values are already strings, so the envelope round-trips through JSON
// without losing precision.
type relayEnvelope struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	Domain        string         `json:"domain"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// KafkaRelay forwards accepted events to a Kafka topic for downstream
// consumers. Delivery is best effort: the event log is durable, the relay is
// a convenience, and a broker outage must never block publishing.
type KafkaRelay struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewKafkaRelay connects to the brokers and produces to topic.
func NewKafkaRelay(brokers []string, topic string, logger *slog.Logger) (*KafkaRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaRelay{client: client, logger: logger}, nil
}

// Publish sends the event asynchronously. Keyed by aggregate id so one
// aggregate's events land in order on a single partition.
func (r *KafkaRelay) Publish(ctx context.Context, event *models.DomainEvent) {
	envelope := relayEnvelope{
		EventID:       event.ID.String(),
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID.String(),
		Domain:        event.Domain,
		Payload:       event.Payload,
		OccurredAt:    event.OccurredAt,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		r.logger.ErrorContext(ctx, "relay envelope marshal failed",
			"event_id", event.ID.String(), "error", err)
		return
	}

	record := &kgo.Record{Key: []byte(event.AggregateID.String()), Value: value}
	r.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			r.logger.Error("relay produce failed",
				"event_id", envelope.EventID, "error", err)
		}
	})
}

// Close flushes pending records and releases the client.
func (r *KafkaRelay) Close(ctx context.Context) {
	if err := r.client.Flush(ctx); err != nil {
		r.logger.Warn("relay flush failed", "error", err)
	}
	r.client.Close()
}
