package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Memory is the in-process queue used in single-binary mode and in tests. It
// mirrors the transport contract of the Kafka client: asynchronous delivery,
// at-least-once from the handler's point of view (a handler error is logged
// and the message dropped; handlers own their retry policy).
type Memory struct {
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	inbox  chan *Message
	closed bool
}

const memoryQueueDepth = 1024

func NewMemory(handler Handler, logger *slog.Logger) *Memory {
	return &Memory{
		handler: handler,
		logger:  logger,
		inbox:   make(chan *Message, memoryQueueDepth),
	}
}

func (m *Memory) Publish(_ context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("publish %s: queue closed", topic)
	}
	select {
	case m.inbox <- &Message{Topic: topic, Key: []byte(key), Value: value}:
		return nil
	default:
		return fmt.Errorf("publish %s: queue full", topic)
	}
}

// Run consumes the inbox until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbox:
			if err := m.handler.Handle(ctx, msg); err != nil {
				m.logger.Error("message handling failed",
					"topic", msg.Topic,
					"key", string(msg.Key),
					"error", err,
				)
			}
		}
	}
}

// Close stops accepting publishes. Pending messages are still delivered by a
// running consumer loop.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Recorder is a Publisher that captures published messages for assertions.
type Recorder struct {
	mu       sync.Mutex
	messages []*Message
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, &Message{Topic: topic, Key: []byte(key), Value: value})
	return nil
}

// Messages returns the captured messages for one topic, in publish order.
func (r *Recorder) Messages(topic string) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, m := range r.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops all captured messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
