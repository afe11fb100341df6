package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for Kafka connection
type KafkaConfig struct {
	Brokers      []string      `json:"brokers"`
	TopicPrefix  string        `json:"topic_prefix"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	RequiredAcks int           `json:"required_acks"`
	Compression  string        `json:"compression"`
	RetryMax     int           `json:"retry_max"`
}

// DefaultKafkaConfig returns the producer defaults for settlement events.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		WriteTimeout: 5 * time.Second,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: int(kafka.RequireAll), // settlement events must not be lost on leader failover
		Compression:  "snappy",
		RetryMax:     3,
	}
}

// Producer defines message publishing operations
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
	Close() error
}

// KafkaProducer publishes events with one writer per topic.
type KafkaProducer struct {
	config  *KafkaConfig
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer needs at least one broker")
	}
	return &KafkaProducer{
		config:  config,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
	}, nil
}

// getWriter returns or creates a writer for the specified topic
func (p *KafkaProducer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()
	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        p.config.TopicPrefix + string(topic),
		Balancer:     &kafka.Hash{}, // same transaction id, same partition
		BatchTimeout: p.config.BatchTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.RetryMax,
	}
	switch p.config.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	default:
		writer.Compression = kafka.Snappy
	}

	p.writers[topic] = writer
	return writer
}

// Publish publishes a single message to the specified topic
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.getWriter(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
}

// Close closes the producer and all its writers
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Error("Failed to close writer", zap.String("topic", string(topic)), zap.Error(err))
		}
	}
	return lastErr
}
