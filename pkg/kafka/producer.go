package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/angelmondragon/bookings-backend/pkg/config"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
)

var (
	ErrProducerClosed = errors.New("kafka producer is closed")
	ErrEmptyKey       = errors.New("message key cannot be empty")
	ErrEmptyValue     = errors.New("message value cannot be empty")
	ErrNoDLQ          = errors.New("kafka dlq topic not configured")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes outbox events to a topic and, on request, copies
// terminally failed events to a dead-letter topic.
type Producer struct {
	writer    messageWriter
	dlqWriter messageWriter
	topic     string
	dlqTopic  string

	mu     sync.RWMutex
	closed bool
}

// NewProducer builds hash-balanced writers for the configured brokers.
func NewProducer(cfg config.KafkaConfig, logg *logger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	compression := compressionFor(cfg.Compression)
	errorLogger := kafka.LoggerFunc(func(msg string, args ...any) {
		if logg != nil {
			logg.Warn(context.Background(), fmt.Sprintf("kafka: "+msg, args...))
		}
	})
	silent := kafka.LoggerFunc(func(string, ...any) {})

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: requiredAcksFor(cfg.RequiredAcks),
		Compression:  compression,
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		Logger:       silent,
		ErrorLogger:  errorLogger,
	}

	p := &Producer{writer: writer, topic: cfg.Topic, dlqTopic: cfg.DLQTopic}
	if cfg.DLQTopic != "" {
		p.dlqWriter = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  compression,
			MaxAttempts:  3,
			Logger:       silent,
			ErrorLogger:  errorLogger,
		}
	}
	return p, nil
}

func compressionFor(name string) compress.Compression {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gzip":
		return compress.Gzip
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	case "none":
		return compress.None
	default:
		return compress.Snappy
	}
}

func requiredAcksFor(acks int) kafka.RequiredAcks {
	switch acks {
	case 0:
		return kafka.RequireNone
	case 1:
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

// Topic returns the primary topic name.
func (p *Producer) Topic() string {
	return p.topic
}

// Publish writes msg synchronously and returns once the broker acknowledged it.
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if msg.Key == "" {
		return ErrEmptyKey
	}
	if len(msg.Value) == 0 {
		return ErrEmptyValue
	}
	return p.writer.WriteMessages(ctx, toKafkaMessage(msg))
}

// DeadLetter copies msg to the DLQ topic with the failure attached as headers.
func (p *Producer) DeadLetter(ctx context.Context, msg Message, cause error) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if p.dlqWriter == nil {
		return ErrNoDLQ
	}
	headers := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = p.topic
	headers[HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339)
	if cause != nil {
		headers[HeaderDLQError] = cause.Error()
	}
	msg.Headers = headers
	msg.Timestamp = time.Now().UTC()
	return p.dlqWriter.WriteMessages(ctx, toKafkaMessage(msg))
}

func (p *Producer) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	return nil
}

func toKafkaMessage(msg Message) kafka.Message {
	out := kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Value,
		Time:  msg.Timestamp,
	}
	for k, v := range msg.Headers {
		out.Headers = append(out.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// Close flushes and closes both writers.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.writer != nil {
		err = p.writer.Close()
	}
	if p.dlqWriter != nil {
		if dlqErr := p.dlqWriter.Close(); err == nil {
			err = dlqErr
		}
	}
	return err
}
