package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/kafka"
	"github.com/angelmondragon/bookings-backend/pkg/outbox/registry"
)

// sink delivers resolved outbox rows to a broker. DeadLetter is called once
// a row turns terminal; sinks without a broker-side DLQ return nil.
type sink interface {
	Name() string
	Ping(ctx context.Context) error
	Publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error
	DeadLetter(ctx context.Context, event models.OutboxEvent, cause error) error
}

func eventAttributes(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]string {
	attrs := map[string]string{
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	if resolved != nil {
		attrs["event_id"] = resolved.Envelope.EventID
		attrs["schema_version"] = fmt.Sprint(resolved.Envelope.Version)
	}
	return attrs
}

// pubsub

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	// ResumePublish unblocks an ordering key after a failed publish.
	ResumePublish(orderingKey string)
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
	Ordered() bool
	DeadLetterTopic() string
}

type pubSubSink struct {
	client    pubSubClient
	publisher publisherFactory
	ordered   bool
	dlqTopic  string
}

func newPubSubSink(client pubSubClient, factory publisherFactory) *pubSubSink {
	s := &pubSubSink{client: client, publisher: factory}
	if client != nil {
		s.ordered = client.Ordered()
		s.dlqTopic = client.DeadLetterTopic()
	}
	if s.publisher == nil {
		s.publisher = func(topic string) publisher {
			p := client.Publisher(topic)
			if p == nil {
				return nil
			}
			return &gcpPublisher{Publisher: p}
		}
	}
	return s
}

func (s *pubSubSink) Name() string { return "pubsub" }

func (s *pubSubSink) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *pubSubSink) Publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	return s.send(ctx, resolved.Topic, &gcppubsub.Message{
		Data:       event.Payload,
		Attributes: eventAttributes(event, resolved),
	}, event)
}

// DeadLetter copies the row to the DLQ topic when one is configured.
// Subscription-level dead-lettering covers consumers either way.
func (s *pubSubSink) DeadLetter(ctx context.Context, event models.OutboxEvent, cause error) error {
	if s.dlqTopic == "" {
		return nil
	}
	attrs := eventAttributes(event, nil)
	if cause != nil {
		attrs["dlq_error"] = cause.Error()
	}
	return s.send(ctx, s.dlqTopic, &gcppubsub.Message{Data: event.Payload, Attributes: attrs}, event)
}

func (s *pubSubSink) send(ctx context.Context, topic string, msg *gcppubsub.Message, event models.OutboxEvent) error {
	pub := s.publisher(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}
	if s.ordered {
		msg.OrderingKey = event.AggregateID.String()
	}
	result := pub.Publish(ctx, msg)
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			pub.ResumePublish(msg.OrderingKey)
		}
		return err
	}
	return nil
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}

// kafka

type kafkaProducer interface {
	Publish(ctx context.Context, msg kafka.Message) error
	DeadLetter(ctx context.Context, msg kafka.Message, cause error) error
}

type kafkaSink struct {
	producer kafkaProducer
}

func newKafkaSink(producer kafkaProducer) *kafkaSink {
	return &kafkaSink{producer: producer}
}

func (s *kafkaSink) Name() string { return "kafka" }

// Kafka writers dial lazily; broker failures surface on the first publish.
func (s *kafkaSink) Ping(context.Context) error { return nil }

func (s *kafkaSink) Publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	err := s.producer.Publish(ctx, kafkaMessage(event, resolved))
	if errors.Is(err, kafka.ErrEmptyKey) || errors.Is(err, kafka.ErrEmptyValue) {
		return registry.NewNonRetryableError(err)
	}
	return err
}

func (s *kafkaSink) DeadLetter(ctx context.Context, event models.OutboxEvent, cause error) error {
	err := s.producer.DeadLetter(ctx, kafkaMessage(event, nil), cause)
	if errors.Is(err, kafka.ErrNoDLQ) {
		return nil
	}
	return err
}

func kafkaMessage(event models.OutboxEvent, resolved *registry.ResolvedEvent) kafka.Message {
	attrs := eventAttributes(event, resolved)
	headers := map[string]string{
		kafka.HeaderEventType:     attrs["event_type"],
		kafka.HeaderAggregateType: attrs["aggregate_type"],
		kafka.HeaderAggregateID:   attrs["aggregate_id"],
	}
	if id, ok := attrs["event_id"]; ok {
		headers[kafka.HeaderEventID] = id
		headers[kafka.HeaderSchemaVersion] = attrs["schema_version"]
	}
	return kafka.Message{
		Key:       event.AggregateID.String(),
		Value:     event.Payload,
		Headers:   headers,
		Timestamp: event.CreatedAt,
	}
}
