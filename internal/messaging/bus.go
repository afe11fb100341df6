package messaging

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/internal/transaction"
)

const schemaVersion = "1"

// Bus is the fire-and-forget event sink. Events emitted inside a unit of
// work are held until it commits and dropped if it rolls back.
type Bus struct {
	producer Producer
	logger   *zap.Logger
	source   string
}

func NewBus(producer Producer, logger *zap.Logger, source string) *Bus {
	if producer == nil {
		producer = NewLogProducer(logger)
	}
	return &Bus{producer: producer, logger: logger, source: source}
}

// Emit publishes an event. Publication failures are logged, never returned.
func (b *Bus) Emit(ctx context.Context, msgType MessageType, transactionID uint64, payload interface{}) {
	if b == nil {
		return
	}
	event := &Event{
		BaseMessage: BaseMessage{
			MessageID: uuid.NewString(),
			Type:      msgType,
			Timestamp: time.Now().UTC(),
			Version:   schemaVersion,
			Source:    b.source,
		},
		TransactionID: transactionID,
		Payload:       payload,
	}
	publish := func() {
		// the request context may already be cancelled once the unit commits
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		key := strconv.FormatUint(transactionID, 10)
		if err := b.producer.Publish(pctx, GetTopic(msgType), key, event); err != nil {
			b.logger.Warn("Failed to publish event",
				zap.String("type", string(msgType)),
				zap.Uint64("transaction_id", transactionID),
				zap.Error(err))
		}
	}
	if !transaction.OnCommit(ctx, publish) {
		publish()
	}
}

func (b *Bus) Close() error {
	return b.producer.Close()
}

// LogProducer writes events to the log. It is the default sink when no
// broker is configured.
type LogProducer struct {
	logger *zap.Logger
}

func NewLogProducer(logger *zap.Logger) *LogProducer {
	return &LogProducer{logger: logger}
}

func (p *LogProducer) Publish(_ context.Context, topic Topic, key string, message interface{}) error {
	p.logger.Info("event", zap.String("topic", string(topic)), zap.String("key", key), zap.Any("message", message))
	return nil
}

func (p *LogProducer) Close() error { return nil }

// Published is one message captured by MemoryProducer.
type Published struct {
	Topic Topic
	Key   string
	Event *Event
}

// MemoryProducer keeps published events in memory.
type MemoryProducer struct {
	mu       sync.Mutex
	messages []Published
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

func (p *MemoryProducer) Publish(_ context.Context, topic Topic, key string, message interface{}) error {
	event, _ := message.(*Event)
	p.mu.Lock()
	p.messages = append(p.messages, Published{Topic: topic, Key: key, Event: event})
	p.mu.Unlock()
	return nil
}

func (p *MemoryProducer) Close() error { return nil }

// Messages returns a snapshot of everything published so far.
func (p *MemoryProducer) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.messages...)
}

// Types lists the published event types in order.
func (p *MemoryProducer) Types() []MessageType {
	var out []MessageType
	for _, m := range p.Messages() {
		if m.Event != nil {
			out = append(out, m.Event.Type)
		}
	}
	return out
}

// Fanout publishes every message to each producer in turn. All producers
// are attempted and their errors joined.
type Fanout []Producer

func (f Fanout) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	var err error
	for _, p := range f {
		err = errors.Join(err, p.Publish(ctx, topic, key, message))
	}
	return err
}

func (f Fanout) Close() error {
	var err error
	for _, p := range f {
		err = errors.Join(err, p.Close())
	}
	return err
}
